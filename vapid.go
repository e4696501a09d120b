package webpush

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/golang-jwt/jwt/v5"

	"github.com/webpush-libs/webpush-go/internal/b64"
	"github.com/webpush-libs/webpush-go/vapid"
)

const (
	// DefaultExpiration is the VAPID token lifetime when none is given.
	DefaultExpiration = 12 * time.Hour
	// MaxExpiration is the longest lifetime a push service will accept.
	MaxExpiration = 24 * time.Hour
)

// now is replaced in tests.
var now = time.Now

// Signer provides VAPID signing functionality for keys held outside the
// process (files, KMS).
type Signer interface {
	// Sign signs the given SHA-256 digest and returns the signature in
	// IEEE P1363 format (r || s).
	Sign(ctx context.Context, data []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// VAPIDDetails identifies the application server to the push service.
type VAPIDDetails struct {
	// Subject is a mailto: address or https: URL.
	Subject string `json:"subject"`
	// PublicKey is the URL-safe base64 65 byte public key.
	PublicKey string `json:"publicKey"`
	// PrivateKey is the URL-safe base64 32 byte private key.
	PrivateKey string `json:"privateKey"`
	// Signer, when set, signs tokens in place of PrivateKey. PublicKey may
	// then be left empty and is taken from the signer; if set it must match.
	Signer Signer `json:"-"`
	// Expiration overrides the token expiry. The zero value means
	// DefaultExpiration from now.
	Expiration time.Time `json:"-"`
}

// VAPIDHeaders holds the header values produced for a VAPID token.
type VAPIDHeaders struct {
	Authorization string
	// CryptoKey is only set for AESGCM.
	CryptoKey string
}

// GetVAPIDHeaders signs a VAPID token for audience, the origin of the push
// service, and formats it for enc. A zero expiration means
// DefaultExpiration from now.
func GetVAPIDHeaders(ctx context.Context, audience, subject, publicKey, privateKey string, enc ContentEncoding, expiration time.Time) (*VAPIDHeaders, error) {
	return vapidHeaders(ctx, audience, &VAPIDDetails{
		Subject:    subject,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Expiration: expiration,
	}, enc)
}

func vapidHeaders(ctx context.Context, audience string, d *VAPIDDetails, enc ContentEncoding) (*VAPIDHeaders, error) {
	v, err := checkVAPID(ctx, audience, d)
	if err != nil {
		return nil, err
	}
	s, err := lookupScheme(enc)
	if err != nil {
		return nil, err
	}
	return v.headers(ctx, s)
}

// vapidSigner holds VAPID details that passed validation, ready to sign.
type vapidSigner struct {
	audience  string
	details   *VAPIDDetails
	publicKey string
	exp       time.Time
}

// checkVAPID validates d for audience without doing any cryptographic work.
func checkVAPID(ctx context.Context, audience string, d *VAPIDDetails) (*vapidSigner, error) {
	if err := validateAudience(audience); err != nil {
		return nil, err
	}
	if err := ValidateSubject(ctx, d.Subject); err != nil {
		return nil, err
	}
	publicKey := d.PublicKey
	if publicKey == "" && d.Signer != nil {
		publicKey = b64.Encode(d.Signer.PublicKey())
	}
	if err := ValidatePublicKey(publicKey); err != nil {
		return nil, err
	}
	if d.Signer == nil {
		if err := ValidatePrivateKey(d.PrivateKey); err != nil {
			return nil, err
		}
	} else if d.PublicKey != "" {
		raw, _ := b64.Decode(d.PublicKey)
		if !bytes.Equal(raw, d.Signer.PublicKey()) {
			return nil, invalid("vapidDetails.publicKey", "does not match the signer's public key")
		}
	}

	exp := d.Expiration
	if exp.IsZero() {
		exp = now().Add(DefaultExpiration)
	} else if err := ValidateExpiration(exp); err != nil {
		return nil, err
	}
	return &vapidSigner{audience: audience, details: d, publicKey: publicKey, exp: exp}, nil
}

func (v *vapidSigner) headers(ctx context.Context, s scheme) (*VAPIDHeaders, error) {
	token, err := signToken(ctx, v.details, jwt.MapClaims{
		"aud": v.audience,
		"exp": v.exp.Unix(),
		"sub": v.details.Subject,
	})
	if err != nil {
		return nil, err
	}
	auth, cryptoKey := s.vapidHeaders(token, v.publicKey)
	return &VAPIDHeaders{Authorization: auth, CryptoKey: cryptoKey}, nil
}

func signToken(ctx context.Context, d *VAPIDDetails, claims jwt.MapClaims) (string, error) {
	if d.Signer != nil {
		token := jwt.NewWithClaims(signingMethodSigner, claims)
		signed, err := token.SignedString(signerKey{ctx: ctx, signer: d.Signer})
		if err != nil {
			return "", &CryptoError{Op: "signing VAPID token", Err: err}
		}
		return signed, nil
	}

	raw, err := b64.Decode(d.PrivateKey)
	if err != nil {
		return "", invalid("vapidDetails.privateKey", "not URL-safe base64: %v", err)
	}
	// The JWT signer consumes keys in PEM form.
	pem, err := vapid.PrivateKeyPEM(raw)
	if err != nil {
		return "", &CryptoError{Op: "encoding VAPID private key", Err: err}
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return "", &CryptoError{Op: "parsing VAPID private key", Err: err}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	if err != nil {
		return "", &CryptoError{Op: "signing VAPID token", Err: err}
	}
	return signed, nil
}

func validateAudience(audience string) error {
	if audience == "" {
		return invalid("audience", "no audience could be generated for VAPID")
	}
	u, err := url.Parse(audience)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("audience", "%q is not an absolute URL", audience)
	}
	return nil
}

// ValidateSubject checks that subject is a mailto: address or an https:
// URL. A localhost https: subject is accepted with a warning; some push
// services reject such tokens.
func ValidateSubject(ctx context.Context, subject string) error {
	if subject == "" {
		return invalid("vapidDetails.subject", "no subject set")
	}
	u, err := url.Parse(subject)
	if err != nil {
		return invalid("vapidDetails.subject", "%q is not a valid URL", subject)
	}
	switch u.Scheme {
	case "mailto":
		if u.Opaque == "" {
			return invalid("vapidDetails.subject", "%q has no address", subject)
		}
	case "https":
		if u.Host == "" {
			return invalid("vapidDetails.subject", "%q has no host", subject)
		}
		if u.Hostname() == "localhost" {
			clog.FromContext(ctx).Warn("VAPID subject points to localhost, which some push services reject", "subject", subject)
		}
	default:
		return invalid("vapidDetails.subject", "%q is not an https: or mailto: URL", subject)
	}
	return nil
}

// ValidatePublicKey checks that key is unpadded URL-safe base64 of a
// 65 byte uncompressed point.
func ValidatePublicKey(key string) error {
	return validateKey("vapidDetails.publicKey", key, vapid.PublicKeySize)
}

// ValidatePrivateKey checks that key is unpadded URL-safe base64 of a
// 32 byte scalar.
func ValidatePrivateKey(key string) error {
	return validateKey("vapidDetails.privateKey", key, vapid.PrivateKeySize)
}

func validateKey(field, key string, size int) error {
	if key == "" {
		return invalid(field, "no key set")
	}
	if !b64.Validate(key) {
		return invalid(field, "must be URL-safe base64 without padding")
	}
	raw, err := b64.Decode(key)
	if err != nil {
		return invalid(field, "not URL-safe base64: %v", err)
	}
	if len(raw) != size {
		return invalid(field, "must be %d bytes long when decoded, got %d", size, len(raw))
	}
	return nil
}

// ValidateExpiration checks that exp is not before the Unix epoch and not
// more than MaxExpiration from now.
func ValidateExpiration(exp time.Time) error {
	if exp.Unix() < 0 {
		return invalid("expiration", "must not be negative")
	}
	if limit := now().Add(MaxExpiration).Unix(); exp.Unix() > limit {
		return invalid("expiration", "%d is more than %s in the future", exp.Unix(), MaxExpiration)
	}
	return nil
}

// signerKey carries a Signer through jwt.Token.SignedString.
type signerKey struct {
	ctx    context.Context
	signer Signer
}

type signerMethod struct{}

var signingMethodSigner jwt.SigningMethod = signerMethod{}

func (signerMethod) Alg() string { return jwt.SigningMethodES256.Alg() }

func (signerMethod) Verify(signingString string, sig []byte, key any) error {
	return jwt.SigningMethodES256.Verify(signingString, sig, key)
}

func (signerMethod) Sign(signingString string, key any) ([]byte, error) {
	k, ok := key.(signerKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	digest := sha256.Sum256([]byte(signingString))
	sig, err := k.signer.Sign(k.ctx, digest[:])
	if err != nil {
		return nil, err
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("signer returned %d byte signature, want 64", len(sig))
	}
	return sig, nil
}
