package webpush

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/webpush-libs/webpush-go/internal/b64"
)

const (
	// GCMEndpoint prefixes the legacy Google Cloud Messaging relay. It
	// authenticates senders with an API key and does not accept VAPID.
	GCMEndpoint = "https://android.googleapis.com/gcm/send"
	// FCMEndpoint prefixes the legacy Firebase relay. It accepts VAPID and
	// falls back to an API key when no VAPID details are configured.
	FCMEndpoint = "https://fcm.googleapis.com/fcm/send"

	maxTopicSize = 32
)

// RequestDetails describes one push request. It is built by
// GenerateRequestDetails and sent by Client.Send.
type RequestDetails struct {
	// Method is always POST.
	Method   string
	Endpoint string
	Header   http.Header
	// Body is the encrypted payload, or empty.
	Body []byte
	// Proxy, when set, routes the request through an HTTP(S) proxy.
	Proxy *url.URL
	// Transport, when set, replaces the client's transport.
	Transport http.RoundTripper
	// Timeout bounds the round trip. Zero means no bound.
	Timeout time.Duration
}

// GenerateRequestDetails builds the request that delivers payload to sub.
// It performs no I/O. Options left unset fall back to the process-wide
// defaults, read once when the call starts.
func GenerateRequestDetails(ctx context.Context, sub *Subscription, payload []byte, opts *Options) (*RequestDetails, error) {
	if sub == nil {
		return nil, invalid("subscription", "no subscription given")
	}
	if sub.Endpoint == "" {
		return nil, invalid("subscription.endpoint", "must be a non-empty string")
	}
	endpoint, err := url.Parse(sub.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, invalid("subscription.endpoint", "%q is not an absolute URL", sub.Endpoint)
	}
	if len(payload) > 0 {
		if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
			return nil, invalid("subscription.keys", "p256dh and auth values are required to send a payload")
		}
	}
	if opts == nil {
		opts = &Options{}
	}

	defaults := snapshot()
	vapidDetails := opts.VAPIDDetails
	if vapidDetails == nil {
		vapidDetails = defaults.vapid
	}
	gcmAPIKey := opts.GCMAPIKey
	if gcmAPIKey == "" {
		gcmAPIKey = defaults.gcmAPIKey
	}

	ttl := DefaultTTL
	if opts.TTL != nil {
		if *opts.TTL < 0 {
			return nil, invalid("TTL", "must be a non-negative number of seconds, got %d", *opts.TTL)
		}
		ttl = *opts.TTL
	}
	enc := opts.ContentEncoding
	if enc == "" {
		enc = AES128GCM
	}
	s, err := lookupScheme(enc)
	if err != nil {
		return nil, err
	}
	urgency := opts.Urgency
	if urgency == "" {
		urgency = UrgencyNormal
	} else if !urgency.valid() {
		return nil, invalid("urgency", "%q is not one of %q, %q, %q or %q", urgency, UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh)
	}
	if opts.Topic != "" {
		if !b64.Validate(opts.Topic) {
			return nil, invalid("topic", "must use only URL-safe base64 characters")
		}
		if len(opts.Topic) > maxTopicSize {
			return nil, invalid("topic", "must be at most %d characters, got %d", maxTopicSize, len(opts.Topic))
		}
	}
	if err := checkExtraHeaders(opts); err != nil {
		return nil, err
	}

	legacyGCM := strings.HasPrefix(sub.Endpoint, GCMEndpoint)
	var signer *vapidSigner
	if !legacyGCM && vapidDetails != nil {
		if signer, err = checkVAPID(ctx, endpoint.Scheme+"://"+endpoint.Host, vapidDetails); err != nil {
			return nil, err
		}
	}

	header := http.Header{}
	var body []byte
	if len(payload) > 0 {
		res, err := Encrypt(sub.Keys.P256dh, sub.Keys.Auth, payload, enc)
		if err != nil {
			return nil, err
		}
		body = res.CipherText
		header.Set("Content-Type", "application/octet-stream")
		header.Set("Content-Encoding", string(enc))
		s.payloadHeaders(header, res)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	log := clog.FromContext(ctx)
	switch {
	case legacyGCM:
		if vapidDetails != nil {
			log.Warn("ignoring VAPID details, the legacy GCM endpoint does not support them", "endpoint", sub.Endpoint)
		}
		if gcmAPIKey == "" {
			log.Warn("sending to a legacy GCM endpoint without a GCM API key", "endpoint", sub.Endpoint)
		} else {
			header.Set("Authorization", "key="+gcmAPIKey)
		}
	case signer != nil:
		vh, err := signer.headers(ctx, s)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", vh.Authorization)
		if vh.CryptoKey != "" {
			if existing := header.Get("Crypto-Key"); existing != "" {
				header.Set("Crypto-Key", existing+";"+vh.CryptoKey)
			} else {
				header.Set("Crypto-Key", vh.CryptoKey)
			}
		}
	case strings.HasPrefix(sub.Endpoint, FCMEndpoint) && gcmAPIKey != "":
		header.Set("Authorization", "key="+gcmAPIKey)
	}

	header.Set("TTL", strconv.Itoa(ttl))
	header.Set("Urgency", string(urgency))
	if opts.Topic != "" {
		header.Set("Topic", opts.Topic)
	}
	for name, value := range opts.Headers {
		header.Set(name, value)
	}

	details := &RequestDetails{
		Method:   http.MethodPost,
		Endpoint: sub.Endpoint,
		Header:   header,
		Body:     body,
	}
	applyTransport(ctx, details, opts)
	return details, nil
}

// computedHeaders are written from the payload encryption and the sender
// credentials. An extra header may not replace them.
var computedHeaders = map[string]bool{
	"Authorization":    true,
	"Content-Encoding": true,
	"Content-Length":   true,
	"Content-Type":     true,
	"Crypto-Key":       true,
	"Encryption":       true,
}

// checkExtraHeaders rejects extra headers that name a computed header or one
// already controlled by an option that was set.
func checkExtraHeaders(opts *Options) error {
	controlled := map[string]bool{
		"Ttl":     opts.TTL != nil,
		"Urgency": opts.Urgency != "",
		"Topic":   opts.Topic != "",
	}
	for name := range opts.Headers {
		canonical := http.CanonicalHeaderKey(name)
		if computedHeaders[canonical] {
			return invalid("headers."+name, "is computed from the payload and credentials and cannot be set")
		}
		if controlled[canonical] {
			return invalid("headers."+name, "duplicated by a top-level option, set only one of them")
		}
	}
	return nil
}

func applyTransport(ctx context.Context, d *RequestDetails, opts *Options) {
	log := clog.FromContext(ctx)
	if opts.Proxy != "" {
		u, err := url.Parse(opts.Proxy)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			log.Warn("ignoring malformed proxy option", "proxy", opts.Proxy)
		} else {
			d.Proxy = u
		}
	}
	if opts.Agent != nil {
		if d.Proxy != nil {
			log.Warn("ignoring agent option because a proxy is set")
		} else {
			d.Transport = opts.Agent
		}
	}
	switch {
	case opts.Timeout < 0:
		log.Warn("ignoring negative timeout option", "timeout", opts.Timeout)
	case opts.Timeout > 0:
		d.Timeout = opts.Timeout
	}
}
