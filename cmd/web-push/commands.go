package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/webpush-libs/webpush-go"
	"github.com/webpush-libs/webpush-go/keys"
	"github.com/webpush-libs/webpush-go/storage"
	"github.com/webpush-libs/webpush-go/vapid"
)

func (a *app) generateVAPIDKeys(ctx context.Context, args []string) error {
	fs := a.flags("generate-vapid-keys")
	asJSON := fs.Bool("json", false, "print the keys as a JSON object")
	out := fs.String("out", "", "also write the private key to this PEM file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var k *vapid.Keys
	if *out != "" {
		signer, err := keys.GenerateKey(*out)
		if err != nil {
			return err
		}
		k = &vapid.Keys{PublicKey: signer.PublicKeyBase64(), PrivateKey: signer.PrivateKeyBase64()}
		clog.FromContext(ctx).Info("wrote VAPID private key", "path", *out)
	} else {
		var err error
		if k, err = vapid.GenerateKeys(); err != nil {
			return fmt.Errorf("generating VAPID keys: %w", err)
		}
	}

	if *asJSON {
		return json.NewEncoder(a.stdout).Encode(k)
	}
	fmt.Fprintf(a.stdout, "=======================================\n\nPublic Key:\n%s\n\nPrivate Key:\n%s\n\n=======================================\n",
		k.PublicKey, k.PrivateKey)
	return nil
}

// messageFlags are the Options flags shared by send-notification and
// broadcast.
type messageFlags struct {
	payload  string
	ttl      int
	encoding string
	urgency  string
	topic    string
	proxy    string
	timeout  time.Duration
}

func (m *messageFlags) register(a *app, name string) *commandFlags {
	fs := a.flags(name)
	fs.StringVar(&m.payload, "payload", "", "message payload")
	fs.IntVar(&m.ttl, "ttl", webpush.DefaultTTL, "seconds the push service retains the message")
	fs.StringVar(&m.encoding, "encoding", string(webpush.AES128GCM), "content encoding: aes128gcm or aesgcm")
	fs.StringVar(&m.urgency, "urgency", "", "very-low, low, normal or high")
	fs.StringVar(&m.topic, "topic", "", "replace pending messages with the same topic")
	fs.StringVar(&m.proxy, "proxy", "", "HTTP proxy URL")
	fs.DurationVar(&m.timeout, "timeout", 0, "request timeout")

	c := &commandFlags{FlagSet: fs}
	fs.StringVar(&c.subject, "vapid-subject", a.cfg.VAPIDSubject, "mailto: address or https: URL identifying the sender")
	fs.StringVar(&c.publicKey, "vapid-pubkey", a.cfg.VAPIDPublicKey, "VAPID public key (URL-safe base64)")
	fs.StringVar(&c.privateKey, "vapid-pvtkey", a.cfg.VAPIDPrivateKey, "VAPID private key (URL-safe base64)")
	fs.StringVar(&c.keyFile, "vapid-key-file", a.cfg.VAPIDKeyFile, "PEM file holding the VAPID private key")
	fs.StringVar(&c.kmsKey, "kms-key", a.cfg.VAPIDKMSKey, "Cloud KMS key version used to sign VAPID tokens")
	fs.StringVar(&c.gcmAPIKey, "gcm-api-key", a.cfg.GCMAPIKey, "legacy GCM server key")
	return c
}

func (m *messageFlags) options() *webpush.Options {
	return &webpush.Options{
		TTL:             webpush.Int(m.ttl),
		ContentEncoding: webpush.ContentEncoding(m.encoding),
		Urgency:         webpush.Urgency(m.urgency),
		Topic:           m.topic,
		Proxy:           m.proxy,
		Timeout:         m.timeout,
	}
}

type commandFlags struct {
	*flag.FlagSet
	subject    string
	publicKey  string
	privateKey string
	keyFile    string
	kmsKey     string
	gcmAPIKey  string
}

// signer loads the configured out-of-process VAPID key, if any.
func (c *commandFlags) signer(ctx context.Context) (webpush.Signer, error) {
	switch {
	case c.kmsKey != "":
		return keys.NewKMSSigner(ctx, c.kmsKey)
	case c.keyFile != "":
		return keys.NewFileSigner(c.keyFile)
	}
	return nil, nil
}

func closeSigner(ctx context.Context, s webpush.Signer) {
	if c, ok := s.(io.Closer); ok {
		if err := c.Close(); err != nil {
			clog.FromContext(ctx).Warn("closing signer", "error", err)
		}
	}
}

func (a *app) sendNotification(ctx context.Context, args []string) error {
	var m messageFlags
	fs := m.register(a, "send-notification")
	endpoint := fs.String("endpoint", "", "push service endpoint URL")
	key := fs.String("key", "", "browser p256dh key")
	auth := fs.String("auth", "", "browser auth secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *endpoint == "" || *key == "" {
		fs.PrintDefaults()
		return errors.New("--endpoint and --key are required")
	}

	opts := m.options()
	opts.GCMAPIKey = fs.gcmAPIKey
	signer, err := fs.signer(ctx)
	if err != nil {
		return err
	}
	defer closeSigner(ctx, signer)
	if signer != nil || fs.privateKey != "" {
		opts.VAPIDDetails = &webpush.VAPIDDetails{
			Subject:    fs.subject,
			PublicKey:  fs.publicKey,
			PrivateKey: fs.privateKey,
			Signer:     signer,
		}
	}

	sub := &webpush.Subscription{
		Endpoint: *endpoint,
		Keys:     webpush.Keys{P256dh: *key, Auth: *auth},
	}
	var payload []byte
	if m.payload != "" {
		payload = []byte(m.payload)
	}
	resp, err := a.client.SendNotification(ctx, sub, payload, opts)
	if err != nil {
		return fmt.Errorf("sending push message: %w", err)
	}
	fmt.Fprintf(a.stdout, "Push message sent. (%d)\n", resp.StatusCode)
	return nil
}

func (a *app) addSubscription(ctx context.Context, args []string) error {
	fs := a.flags("add-subscription")
	raw := fs.String("subscription", "-", "PushSubscription JSON, or - to read stdin")
	user := fs.String("user", "", "user the subscription belongs to")
	vapidKey := fs.String("vapid-key", "", "applicationServerKey the browser subscribed with (empty for the current key)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data := []byte(*raw)
	if *raw == "-" {
		var err error
		if data, err = io.ReadAll(a.stdin); err != nil {
			return fmt.Errorf("reading subscription: %w", err)
		}
	}
	sub, err := webpush.ParseSubscription(data)
	if err != nil {
		return err
	}

	store, err := storage.NewSQLite(a.cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	record := storage.NewRecord(sub, *user, *vapidKey)
	if err := store.Save(ctx, record); err != nil {
		return err
	}
	clog.FromContext(ctx).Info("stored subscription", "id", record.ID, "endpoint", sub.Endpoint)
	fmt.Fprintln(a.stdout, record.ID)
	return nil
}

func (a *app) broadcast(ctx context.Context, args []string) error {
	var m messageFlags
	fs := m.register(a, "broadcast")
	concurrency := fs.Int("concurrency", 8, "maximum concurrent sends")
	retries := fs.Uint64("retries", 2, "extra attempts for sends answered with 429 or 5xx")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewSQLite(a.cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := m.options()
	opts.GCMAPIKey = fs.gcmAPIKey
	b := &storage.Broadcaster{
		Store:       store,
		Sender:      a.client,
		Subject:     fs.subject,
		Concurrency: *concurrency,
		Retries:     *retries,
	}

	rotating, err := a.rotatingSigner(ctx, fs)
	if err != nil {
		return err
	}
	if rotating != nil {
		defer closeSigner(ctx, rotating.SignerFor(""))
		b.Signers = rotating
	}

	var payload []byte
	if m.payload != "" {
		payload = []byte(m.payload)
	}
	res, err := b.Broadcast(ctx, payload, opts)
	if err != nil {
		return err
	}

	log := clog.FromContext(ctx)
	ids := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		log.Warn("send failed", "id", id, "error", res.Failed[id])
	}
	if rotating != nil {
		unused, err := rotating.RemoveUnusedKeys(ctx, store)
		if err != nil {
			return err
		}
		for _, k := range unused {
			log.Info("previous VAPID key has no subscriptions left", "key", k)
		}
	}
	fmt.Fprintf(a.stdout, "sent %d, pruned %d, failed %d\n", res.Sent, len(res.Pruned), len(res.Failed))
	return nil
}

// rotatingSigner combines the current key with VAPID_PREVIOUS_KEY_FILES so
// subscriptions made before a key rotation keep working. The base64 key
// pair counts as a current key too.
func (a *app) rotatingSigner(ctx context.Context, fs *commandFlags) (*keys.RotatingSigner, error) {
	current, err := fs.signer(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil && fs.privateKey != "" {
		if current, err = keys.NewFileSignerFromBase64(fs.privateKey); err != nil {
			return nil, err
		}
	}
	if current == nil {
		if len(a.cfg.PreviousVAPIDKeys) > 0 {
			return nil, errors.New("VAPID_PREVIOUS_KEY_FILES is set without a current VAPID key")
		}
		return nil, nil
	}

	var rotating *keys.RotatingSigner
	for _, path := range a.cfg.PreviousVAPIDKeys {
		prev, err := keys.NewFileSigner(path)
		if err != nil {
			return nil, err
		}
		if rotating == nil {
			rotating = keys.NewRotatingSigner(prev)
		} else {
			rotating.Rotate(prev)
		}
	}
	if rotating == nil {
		return keys.NewRotatingSigner(current), nil
	}
	rotating.Rotate(current)
	return rotating, nil
}
