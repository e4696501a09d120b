package keys

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/webpush-libs/webpush-go"
	"github.com/webpush-libs/webpush-go/internal/b64"
)

var _ webpush.Signer = (*RotatingSigner)(nil)

// RotatingSigner holds a current VAPID key plus the keys it replaced.
//
// A browser subscription is bound to the applicationServerKey it was
// created with, and push services reject tokens signed by any other key.
// New subscriptions use the current key; existing ones keep being signed by
// the key recorded alongside them (see SignerFor) until they re-subscribe.
type RotatingSigner struct {
	mu       sync.RWMutex
	current  webpush.Signer
	previous []webpush.Signer // most recent first
}

// NewRotatingSigner creates a rotating signer with the given current key.
func NewRotatingSigner(current webpush.Signer) *RotatingSigner {
	return &RotatingSigner{current: current}
}

// Sign signs with the current key.
func (r *RotatingSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	r.mu.RLock()
	current := r.current
	r.mu.RUnlock()
	return current.Sign(ctx, digest)
}

// PublicKey returns the current public key in uncompressed format.
func (r *RotatingSigner) PublicKey() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.PublicKey()
}

// PublicKeyBase64 returns the current applicationServerKey.
func (r *RotatingSigner) PublicKeyBase64() string {
	return b64.Encode(r.PublicKey())
}

// Rotate makes next the current key. The old current key is kept for
// subscriptions created with it.
func (r *RotatingSigner) Rotate(next webpush.Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous = append([]webpush.Signer{r.current}, r.previous...)
	r.current = next
}

// KeysBase64 returns every known applicationServerKey, current first.
func (r *RotatingSigner) KeysBase64() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := []string{b64.Encode(r.current.PublicKey())}
	for _, s := range r.previous {
		keys = append(keys, b64.Encode(s.PublicKey()))
	}
	return keys
}

// SignerFor returns the signer whose applicationServerKey is publicKeyB64.
// An empty key means the current signer. It returns nil for an unknown key.
func (r *RotatingSigner) SignerFor(publicKeyB64 string) webpush.Signer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if publicKeyB64 == "" {
		return r.current
	}
	want, err := b64.Decode(publicKeyB64)
	if err != nil {
		return nil
	}
	if slices.Equal(r.current.PublicKey(), want) {
		return r.current
	}
	for _, s := range r.previous {
		if slices.Equal(s.PublicKey(), want) {
			return s
		}
	}
	return nil
}

// SubscriptionCounter counts stored subscriptions by the VAPID key they
// were created with. storage.Storage implements it.
type SubscriptionCounter interface {
	CountByVAPIDKey(ctx context.Context, vapidKey string) (int, error)
}

// RemoveUnusedKeys drops previous keys that no stored subscription uses and
// returns the removed applicationServerKeys. The current key is never
// removed.
func (r *RotatingSigner) RemoveUnusedKeys(ctx context.Context, counter SubscriptionCounter) ([]string, error) {
	if counter == nil {
		return nil, errors.New("no subscription counter given")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	var retained []webpush.Signer
	for _, s := range r.previous {
		key := b64.Encode(s.PublicKey())
		n, err := counter.CountByVAPIDKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			retained = append(retained, s)
		} else {
			removed = append(removed, key)
		}
	}
	r.previous = retained
	return removed, nil
}
