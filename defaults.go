package webpush

import (
	"context"
	"sync/atomic"

	"github.com/webpush-libs/webpush-go/internal/b64"
)

// settings is an immutable snapshot of the process-wide defaults. Setters
// publish a new snapshot; each send reads one snapshot when it starts.
type settings struct {
	vapid     *VAPIDDetails
	gcmAPIKey string
}

var defaults atomic.Pointer[settings]

func init() {
	defaults.Store(&settings{})
}

func snapshot() *settings {
	return defaults.Load()
}

func update(fn func(s *settings)) {
	for {
		old := defaults.Load()
		next := *old
		fn(&next)
		if defaults.CompareAndSwap(old, &next) {
			return
		}
	}
}

// SetVAPIDDetails sets the VAPID details used by every send that does not
// supply its own. The inputs are validated first.
func SetVAPIDDetails(ctx context.Context, subject, publicKey, privateKey string) error {
	if err := ValidateSubject(ctx, subject); err != nil {
		return err
	}
	if err := ValidatePublicKey(publicKey); err != nil {
		return err
	}
	if err := ValidatePrivateKey(privateKey); err != nil {
		return err
	}
	d := &VAPIDDetails{Subject: subject, PublicKey: publicKey, PrivateKey: privateKey}
	update(func(s *settings) { s.vapid = d })
	return nil
}

// SetVAPIDSigner is SetVAPIDDetails for a private key held by signer.
func SetVAPIDSigner(ctx context.Context, subject string, signer Signer) error {
	if err := ValidateSubject(ctx, subject); err != nil {
		return err
	}
	if signer == nil {
		return invalid("vapidDetails.signer", "no signer given")
	}
	d := &VAPIDDetails{Subject: subject, Signer: signer}
	if err := ValidatePublicKey(b64.Encode(signer.PublicKey())); err != nil {
		return err
	}
	update(func(s *settings) { s.vapid = d })
	return nil
}

// ClearVAPIDDetails removes the process-wide VAPID details.
func ClearVAPIDDetails() {
	update(func(s *settings) { s.vapid = nil })
}

// SetGCMAPIKey sets the API key sent to legacy GCM endpoints.
func SetGCMAPIKey(apiKey string) error {
	if apiKey == "" {
		return invalid("gcmAPIKey", "must be a non-empty string")
	}
	update(func(s *settings) { s.gcmAPIKey = apiKey })
	return nil
}

// ClearGCMAPIKey removes the process-wide GCM API key.
func ClearGCMAPIKey() {
	update(func(s *settings) { s.gcmAPIKey = "" })
}
