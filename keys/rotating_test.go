package keys

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestSigner(t *testing.T) *FileSigner {
	t.Helper()
	priv, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	s, err := NewFileSignerFromBase64(priv)
	if err != nil {
		t.Fatalf("NewFileSignerFromBase64() error = %v", err)
	}
	return s
}

type countMap map[string]int

func (c countMap) CountByVAPIDKey(_ context.Context, key string) (int, error) {
	return c[key], nil
}

type failingCounter struct{}

func (failingCounter) CountByVAPIDKey(context.Context, string) (int, error) {
	return 0, errors.New("database locked")
}

func TestRotatingSigner_Rotate(t *testing.T) {
	first, second, third := newTestSigner(t), newTestSigner(t), newTestSigner(t)
	r := NewRotatingSigner(first)
	if got := r.PublicKeyBase64(); got != first.PublicKeyBase64() {
		t.Errorf("PublicKeyBase64() = %q, want first key", got)
	}

	r.Rotate(second)
	r.Rotate(third)

	want := []string{third.PublicKeyBase64(), second.PublicKeyBase64(), first.PublicKeyBase64()}
	if diff := cmp.Diff(want, r.KeysBase64()); diff != "" {
		t.Errorf("KeysBase64() (-want +got):\n%s", diff)
	}

	digest := make([]byte, 32)
	sig, err := r.Sign(context.Background(), digest)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !verify(t, third.PublicKey(), digest, sig) {
		t.Error("Sign() did not use the current key")
	}
}

func TestRotatingSigner_SignerFor(t *testing.T) {
	old, current := newTestSigner(t), newTestSigner(t)
	r := NewRotatingSigner(old)
	r.Rotate(current)

	tests := []struct {
		name string
		key  string
		want *FileSigner
	}{
		{name: "empty means current", key: "", want: current},
		{name: "current", key: current.PublicKeyBase64(), want: current},
		{name: "previous", key: old.PublicKeyBase64(), want: old},
		{name: "unknown", key: newTestSigner(t).PublicKeyBase64(), want: nil},
		{name: "garbage", key: "***", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.SignerFor(tt.key)
			if tt.want == nil {
				if got != nil {
					t.Errorf("SignerFor() = %v, want nil", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("SignerFor() returned the wrong signer")
			}
		})
	}
}

func TestRotatingSigner_RemoveUnusedKeys(t *testing.T) {
	unused, used, current := newTestSigner(t), newTestSigner(t), newTestSigner(t)
	r := NewRotatingSigner(unused)
	r.Rotate(used)
	r.Rotate(current)

	removed, err := r.RemoveUnusedKeys(context.Background(), countMap{used.PublicKeyBase64(): 2})
	if err != nil {
		t.Fatalf("RemoveUnusedKeys() error = %v", err)
	}
	if diff := cmp.Diff([]string{unused.PublicKeyBase64()}, removed); diff != "" {
		t.Errorf("removed (-want +got):\n%s", diff)
	}
	want := []string{current.PublicKeyBase64(), used.PublicKeyBase64()}
	if diff := cmp.Diff(want, r.KeysBase64()); diff != "" {
		t.Errorf("KeysBase64() (-want +got):\n%s", diff)
	}

	// The current key stays even if nothing uses it.
	removed, err = r.RemoveUnusedKeys(context.Background(), countMap{})
	if err != nil {
		t.Fatalf("RemoveUnusedKeys() error = %v", err)
	}
	if len(removed) != 1 || r.SignerFor("") != current {
		t.Errorf("removed = %v, want only the previous key removed", removed)
	}
}

func TestRotatingSigner_RemoveUnusedKeysError(t *testing.T) {
	r := NewRotatingSigner(newTestSigner(t))
	r.Rotate(newTestSigner(t))
	if _, err := r.RemoveUnusedKeys(context.Background(), failingCounter{}); err == nil {
		t.Error("RemoveUnusedKeys() expected error")
	}
	if got := len(r.KeysBase64()); got != 2 {
		t.Errorf("len(KeysBase64()) = %d after failed removal, want 2", got)
	}
	if _, err := r.RemoveUnusedKeys(context.Background(), nil); err == nil {
		t.Error("RemoveUnusedKeys(nil) expected error")
	}
}

func TestRotatingSigner_Concurrent(t *testing.T) {
	r := NewRotatingSigner(newTestSigner(t))
	next, err := GenerateKey(filepath.Join(t.TempDir(), "next.pem"))
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := r.Sign(context.Background(), make([]byte, 32)); err != nil {
				t.Errorf("Sign() error = %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			r.SignerFor(next.PublicKeyBase64())
			r.KeysBase64()
		}()
	}
	r.Rotate(next)
	wg.Wait()

	if r.SignerFor("") != next {
		t.Error("current signer is not the rotated key")
	}
}
