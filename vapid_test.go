package webpush

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/webpush-libs/webpush-go/internal/b64"
	"github.com/webpush-libs/webpush-go/vapid"
)

func fixNow(t *testing.T) time.Time {
	t.Helper()
	fixed := time.Unix(1700000000, 0)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })
	return fixed
}

func ecdsaKey(t *testing.T, privateKey string) *ecdsa.PrivateKey {
	t.Helper()
	raw, err := b64.Decode(privateKey)
	if err != nil {
		t.Fatalf("decoding private key: %v", err)
	}
	pem, err := vapid.PrivateKeyPEM(raw)
	if err != nil {
		t.Fatalf("PrivateKeyPEM() error = %v", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		t.Fatalf("ParseECPrivateKeyFromPEM() error = %v", err)
	}
	return key
}

// parseToken verifies a VAPID token against pub and returns its claims.
func parseToken(t *testing.T, token string, pub *ecdsa.PublicKey) (map[string]any, jwt.MapClaims) {
	t.Helper()
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		t.Fatalf("parsing token: %v", err)
	}
	return parsed.Header, claims
}

func TestGetVAPIDHeaders(t *testing.T) {
	fixed := fixNow(t)
	d := newVAPIDDetails(t)
	key := ecdsaKey(t, d.PrivateKey)

	t.Run("aes128gcm", func(t *testing.T) {
		h, err := GetVAPIDHeaders(context.Background(), "https://push.example.com", d.Subject, d.PublicKey, d.PrivateKey, AES128GCM, time.Time{})
		if err != nil {
			t.Fatalf("GetVAPIDHeaders() error = %v", err)
		}
		if h.CryptoKey != "" {
			t.Errorf("CryptoKey = %q, want empty", h.CryptoKey)
		}
		rest, ok := strings.CutPrefix(h.Authorization, "vapid t=")
		if !ok {
			t.Fatalf("Authorization = %q, want vapid t=...", h.Authorization)
		}
		token, k, ok := strings.Cut(rest, ", k=")
		if !ok {
			t.Fatalf("Authorization = %q, want , k=...", h.Authorization)
		}
		if k != d.PublicKey {
			t.Errorf("k = %q, want %q", k, d.PublicKey)
		}

		header, claims := parseToken(t, token, &key.PublicKey)
		wantHeader := map[string]any{"typ": "JWT", "alg": "ES256"}
		if diff := cmp.Diff(wantHeader, header); diff != "" {
			t.Errorf("token header (-want +got):\n%s", diff)
		}
		wantClaims := jwt.MapClaims{
			"aud": "https://push.example.com",
			"exp": float64(fixed.Add(12 * time.Hour).Unix()),
			"sub": d.Subject,
		}
		if diff := cmp.Diff(wantClaims, claims); diff != "" {
			t.Errorf("claims (-want +got):\n%s", diff)
		}
	})

	t.Run("aesgcm", func(t *testing.T) {
		h, err := GetVAPIDHeaders(context.Background(), "https://push.example.com", d.Subject, d.PublicKey, d.PrivateKey, AESGCM, time.Time{})
		if err != nil {
			t.Fatalf("GetVAPIDHeaders() error = %v", err)
		}
		token, ok := strings.CutPrefix(h.Authorization, "WebPush ")
		if !ok {
			t.Fatalf("Authorization = %q, want WebPush ...", h.Authorization)
		}
		parseToken(t, token, &key.PublicKey)
		if want := "p256ecdsa=" + d.PublicKey; h.CryptoKey != want {
			t.Errorf("CryptoKey = %q, want %q", h.CryptoKey, want)
		}
	})
}

func TestVAPIDExpirationWindow(t *testing.T) {
	fixed := fixNow(t)
	d := newVAPIDDetails(t)
	tests := []struct {
		name    string
		exp     time.Time
		wantErr bool
	}{
		{name: "one hour", exp: fixed.Add(time.Hour)},
		{name: "exactly 24h", exp: fixed.Add(24 * time.Hour)},
		{name: "24h and a second", exp: fixed.Add(24*time.Hour + time.Second), wantErr: true},
		{name: "epoch", exp: time.Unix(0, 0)},
		{name: "negative", exp: time.Unix(-1, 0), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GetVAPIDHeaders(context.Background(), "https://push.example.com", d.Subject, d.PublicKey, d.PrivateKey, AES128GCM, tt.exp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetVAPIDHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestGetVAPIDHeadersValidation(t *testing.T) {
	d := newVAPIDDetails(t)
	tests := []struct {
		name      string
		audience  string
		subject   string
		public    string
		private   string
		enc       ContentEncoding
		wantField string
	}{
		{name: "no audience", subject: d.Subject, public: d.PublicKey, private: d.PrivateKey, enc: AES128GCM, wantField: "audience"},
		{name: "relative audience", audience: "/push", subject: d.Subject, public: d.PublicKey, private: d.PrivateKey, enc: AES128GCM, wantField: "audience"},
		{name: "audience checked first", audience: "", subject: "", public: "", private: "", enc: "bad", wantField: "audience"},
		{name: "no subject", audience: "https://a.example", public: d.PublicKey, private: d.PrivateKey, enc: AES128GCM, wantField: "vapidDetails.subject"},
		{name: "http subject", audience: "https://a.example", subject: "http://a.example", public: d.PublicKey, private: d.PrivateKey, enc: AES128GCM, wantField: "vapidDetails.subject"},
		{name: "no public key", audience: "https://a.example", subject: d.Subject, private: d.PrivateKey, enc: AES128GCM, wantField: "vapidDetails.publicKey"},
		{name: "padded public key", audience: "https://a.example", subject: d.Subject, public: d.PublicKey + "=", private: d.PrivateKey, enc: AES128GCM, wantField: "vapidDetails.publicKey"},
		{name: "short public key", audience: "https://a.example", subject: d.Subject, public: b64.Encode(make([]byte, 64)), private: d.PrivateKey, enc: AES128GCM, wantField: "vapidDetails.publicKey"},
		{name: "no private key", audience: "https://a.example", subject: d.Subject, public: d.PublicKey, enc: AES128GCM, wantField: "vapidDetails.privateKey"},
		{name: "long private key", audience: "https://a.example", subject: d.Subject, public: d.PublicKey, private: b64.Encode(make([]byte, 33)), enc: AES128GCM, wantField: "vapidDetails.privateKey"},
		{name: "unknown encoding", audience: "https://a.example", subject: d.Subject, public: d.PublicKey, private: d.PrivateKey, enc: "aes256gcm", wantField: "contentEncoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GetVAPIDHeaders(context.Background(), tt.audience, tt.subject, tt.public, tt.private, tt.enc, time.Time{})
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("GetVAPIDHeaders() error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q (%v)", ve.Field, tt.wantField, err)
			}
		})
	}
}

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject  string
		wantErr  bool
		wantWarn bool
	}{
		{subject: "mailto:admin@example.com"},
		{subject: "https://example.com/contact"},
		{subject: "https://localhost:8080", wantWarn: true},
		{subject: "mailto:", wantErr: true},
		{subject: "https://", wantErr: true},
		{subject: "http://example.com", wantErr: true},
		{subject: "example.com", wantErr: true},
		{subject: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			ctx, logs := logContext(t)
			err := ValidateSubject(ctx, tt.subject)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubject(%q) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
			}
			if got := strings.Contains(logs.String(), "localhost"); got != tt.wantWarn {
				t.Errorf("localhost warning logged = %v, want %v; logs:\n%s", got, tt.wantWarn, logs)
			}
		})
	}
}

// ecdsaSigner is a Signer over an in-memory key.
type ecdsaSigner struct {
	key *ecdsa.PrivateKey
	pub []byte
}

func (s *ecdsaSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	r, ss, err := ecdsa.Sign(rand.Reader, s.key, digest)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])
	return sig, nil
}

func (s *ecdsaSigner) PublicKey() []byte { return s.pub }

type failingSigner struct{ pub []byte }

func (s *failingSigner) Sign(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm offline")
}

func (s *failingSigner) PublicKey() []byte { return s.pub }

func newTestSigner(t *testing.T) *ecdsaSigner {
	t.Helper()
	d := newVAPIDDetails(t)
	pub, err := b64.Decode(d.PublicKey)
	if err != nil {
		t.Fatalf("decoding public key: %v", err)
	}
	return &ecdsaSigner{key: ecdsaKey(t, d.PrivateKey), pub: pub}
}

func TestVAPIDSignerPublicKey(t *testing.T) {
	signer := newTestSigner(t)
	other := newVAPIDDetails(t)
	for _, tt := range []struct {
		name      string
		publicKey string
		wantErr   bool
	}{
		{name: "taken from signer", publicKey: ""},
		{name: "matching", publicKey: b64.Encode(signer.pub)},
		{name: "mismatch", publicKey: other.PublicKey, wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h, err := vapidHeaders(context.Background(), "https://push.example.com", &VAPIDDetails{
				Subject:   "mailto:test@example.com",
				PublicKey: tt.publicKey,
				Signer:    signer,
			}, AES128GCM)
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) || ve.Field != "vapidDetails.publicKey" {
					t.Fatalf("vapidHeaders() error = %v, want a vapidDetails.publicKey ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("vapidHeaders() error = %v", err)
			}
			if !strings.HasSuffix(h.Authorization, ", k="+b64.Encode(signer.pub)) {
				t.Errorf("Authorization = %q, want the signer's key", h.Authorization)
			}
		})
	}
}

func TestVAPIDWithSigner(t *testing.T) {
	d := newVAPIDDetails(t)
	key := ecdsaKey(t, d.PrivateKey)
	pub, err := b64.Decode(d.PublicKey)
	if err != nil {
		t.Fatalf("decoding public key: %v", err)
	}

	h, err := vapidHeaders(context.Background(), "https://push.example.com", &VAPIDDetails{
		Subject: d.Subject,
		Signer:  &ecdsaSigner{key: key, pub: pub},
	}, AES128GCM)
	if err != nil {
		t.Fatalf("vapidHeaders() error = %v", err)
	}
	rest := strings.TrimPrefix(h.Authorization, "vapid t=")
	token, k, _ := strings.Cut(rest, ", k=")
	if k != d.PublicKey {
		t.Errorf("k = %q, want the signer's public key %q", k, d.PublicKey)
	}
	parseToken(t, token, &key.PublicKey)

	_, err = vapidHeaders(context.Background(), "https://push.example.com", &VAPIDDetails{
		Subject: d.Subject,
		Signer:  &failingSigner{pub: pub},
	}, AES128GCM)
	if !errors.Is(err, ErrCrypto) {
		t.Errorf("vapidHeaders() with failing signer error = %v, want ErrCrypto", err)
	}
}
