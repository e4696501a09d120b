package webpush

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/webpush-libs/webpush-go/internal/b64"
	"github.com/webpush-libs/webpush-go/internal/ece"
)

const (
	p256dhSize  = 65
	minAuthSize = 16
)

// EncryptionResult is the output of Encrypt. A fresh ephemeral key pair and
// salt are generated for every call.
type EncryptionResult struct {
	// LocalPublicKey is the ephemeral sender public key, uncompressed.
	LocalPublicKey []byte
	// Salt is the 16 byte random salt.
	Salt []byte
	// CipherText is the request body. For AES128GCM it already carries the
	// salt, record size and LocalPublicKey in its header.
	CipherText []byte
}

type encryptInput struct {
	receiver *ecdh.PublicKey
	auth     []byte
	payload  []byte
}

// Encrypt encrypts payload for the user agent identified by userPublicKey
// (the subscription's p256dh key) and userAuth (its auth secret), both
// URL-safe base64. An empty payload is permitted.
//
// All inputs are validated before any key material is generated.
func Encrypt(userPublicKey, userAuth string, payload []byte, enc ContentEncoding) (*EncryptionResult, error) {
	if userPublicKey == "" {
		return nil, invalid("subscription.keys.p256dh", "no user public key provided for encryption")
	}
	pub, err := b64.Decode(userPublicKey)
	if err != nil {
		return nil, invalid("subscription.keys.p256dh", "not URL-safe base64: %v", err)
	}
	if len(pub) != p256dhSize {
		return nil, invalid("subscription.keys.p256dh", "must be %d bytes long, got %d", p256dhSize, len(pub))
	}
	if userAuth == "" {
		return nil, invalid("subscription.keys.auth", "no user auth provided for encryption")
	}
	auth, err := b64.Decode(userAuth)
	if err != nil {
		return nil, invalid("subscription.keys.auth", "not URL-safe base64: %v", err)
	}
	if len(auth) < minAuthSize {
		return nil, invalid("subscription.keys.auth", "must be at least %d bytes long, got %d", minAuthSize, len(auth))
	}
	s, err := lookupScheme(enc)
	if err != nil {
		return nil, err
	}

	receiver, err := ecdh.P256().NewPublicKey(pub)
	if err != nil {
		return nil, &CryptoError{Op: "parsing user public key", Err: err}
	}
	return s.encrypt(&encryptInput{receiver: receiver, auth: auth, payload: payload})
}

// EncryptString is Encrypt for a UTF-8 string payload.
func EncryptString(userPublicKey, userAuth, payload string, enc ContentEncoding) (*EncryptionResult, error) {
	return Encrypt(userPublicKey, userAuth, []byte(payload), enc)
}

// ephemeral generates the per-message key pair and salt.
func ephemeral() (*ecdh.PrivateKey, []byte, error) {
	local, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, &CryptoError{Op: "generating ephemeral key", Err: err}
	}
	salt := make([]byte, ece.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, &CryptoError{Op: "generating salt", Err: err}
	}
	return local, salt, nil
}

type eceFunc func(plaintext []byte, k *ece.Keys, salt []byte, rs int) ([]byte, error)

func runECE(in *encryptInput, fn eceFunc) (*EncryptionResult, error) {
	local, salt, err := ephemeral()
	if err != nil {
		return nil, err
	}
	keys := &ece.Keys{Local: local, Remote: in.receiver, AuthSecret: in.auth}
	ct, err := fn(in.payload, keys, salt, ece.DefaultRecordSize)
	if err != nil {
		return nil, &CryptoError{Op: "encrypting payload", Err: err}
	}
	return &EncryptionResult{
		LocalPublicKey: local.PublicKey().Bytes(),
		Salt:           salt,
		CipherText:     ct,
	}, nil
}

func encryptAESGCM(in *encryptInput) (*EncryptionResult, error) {
	return runECE(in, ece.EncryptAESGCM)
}

func encryptAES128GCM(in *encryptInput) (*EncryptionResult, error) {
	return runECE(in, ece.EncryptAES128GCM)
}
