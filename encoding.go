package webpush

import (
	"net/http"

	"github.com/webpush-libs/webpush-go/internal/b64"
)

// ContentEncoding selects the payload encryption scheme.
type ContentEncoding string

const (
	// AESGCM is the legacy draft encoding. Salt and sender key are sent in
	// the Encryption and Crypto-Key headers.
	AESGCM ContentEncoding = "aesgcm"
	// AES128GCM is the RFC 8291 encoding. Salt and sender key are embedded
	// in the body.
	AES128GCM ContentEncoding = "aes128gcm"
)

// Urgency is the value of the Urgency header (RFC 8030 section 5.3).
type Urgency string

// Urgency levels.
const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

func (u Urgency) valid() bool {
	switch u {
	case UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh:
		return true
	}
	return false
}

// scheme holds the per-encoding header layout, so the two wire formats stay
// apart.
type scheme struct {
	// encrypt produces the body for the payload.
	encrypt func(*encryptInput) (*EncryptionResult, error)
	// payloadHeaders adds the headers describing an encrypted body.
	payloadHeaders func(h http.Header, r *EncryptionResult)
	// vapidHeaders returns the Authorization value and, if the scheme wants
	// one, a Crypto-Key parameter for the VAPID public key.
	vapidHeaders func(token, publicKey string) (authorization, cryptoKey string)
}

var schemes = map[ContentEncoding]scheme{
	AESGCM: {
		encrypt: encryptAESGCM,
		payloadHeaders: func(h http.Header, r *EncryptionResult) {
			h.Set("Encryption", "salt="+b64.Encode(r.Salt))
			h.Set("Crypto-Key", "dh="+b64.Encode(r.LocalPublicKey))
		},
		vapidHeaders: func(token, publicKey string) (string, string) {
			return "WebPush " + token, "p256ecdsa=" + publicKey
		},
	},
	AES128GCM: {
		encrypt:        encryptAES128GCM,
		payloadHeaders: func(http.Header, *EncryptionResult) {},
		vapidHeaders: func(token, publicKey string) (string, string) {
			return "vapid t=" + token + ", k=" + publicKey, ""
		},
	},
}

func lookupScheme(enc ContentEncoding) (scheme, error) {
	s, ok := schemes[enc]
	if !ok {
		return scheme{}, invalid("contentEncoding", "unsupported encoding %q, want %q or %q", enc, AESGCM, AES128GCM)
	}
	return s, nil
}
