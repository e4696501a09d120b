// Package keys provides webpush.Signer implementations for VAPID private
// keys held outside the VAPIDDetails struct.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/webpush-libs/webpush-go"
	"github.com/webpush-libs/webpush-go/internal/b64"
	"github.com/webpush-libs/webpush-go/vapid"
)

var _ webpush.Signer = (*FileSigner)(nil)

// FileSigner signs VAPID tokens with a P-256 key loaded into memory.
type FileSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

// NewFileSigner loads a VAPID key from an "EC PRIVATE KEY" PEM file, as
// written by GenerateKey or openssl ecparam -genkey.
func NewFileSigner(privateKeyPath string) (*FileSigner, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	return newFileSigner(block.Bytes)
}

// NewFileSignerFromBase64 creates a FileSigner from the URL-safe base64 raw
// private key printed by generate-vapid-keys.
func NewFileSignerFromBase64(privateKeyB64 string) (*FileSigner, error) {
	raw, err := b64.Decode(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	der, err := vapid.PrivateKeyDER(raw)
	if err != nil {
		return nil, err
	}
	return newFileSigner(der)
}

func newFileSigner(der []byte) (*FileSigner, error) {
	privKey, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}
	// ECDH fails for curves other than P-256..P-521, and the size check
	// narrows that to P-256.
	ecdhKey, err := privKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting key: %w", err)
	}
	pub := ecdhKey.PublicKey().Bytes()
	if len(pub) != vapid.PublicKeySize {
		return nil, errors.New("key must be P-256 curve")
	}
	return &FileSigner{privateKey: privKey, publicKey: pub}, nil
}

// Sign signs the given digest using ECDSA and returns the signature in IEEE
// P1363 format.
func (s *FileSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	r, ss, err := ecdsa.Sign(rand.Reader, s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}

	// r || s, each 32 bytes
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:])
	return sig, nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *FileSigner) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string,
// the applicationServerKey handed to browsers.
func (s *FileSigner) PublicKeyBase64() string {
	return b64.Encode(s.publicKey)
}

// PrivateKeyBase64 returns the raw 32 byte private key, URL-safe base64
// encoded, the form VAPIDDetails.PrivateKey takes.
func (s *FileSigner) PrivateKeyBase64() string {
	return b64.Encode(s.privateKey.D.FillBytes(make([]byte, vapid.PrivateKeySize)))
}

// GenerateKey generates a new VAPID key pair and saves the private key to
// a PEM file readable only by the owner.
func GenerateKey(path string) (*FileSigner, error) {
	k, err := vapid.GenerateKeys()
	if err != nil {
		return nil, err
	}
	raw, err := b64.Decode(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding generated key: %w", err)
	}
	pemBytes, err := vapid.PrivateKeyPEM(raw)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	return NewFileSignerFromBase64(k.PrivateKey)
}

// GenerateKeyPair generates a new key pair and returns both keys in base64
// format.
func GenerateKeyPair() (privateKeyB64, publicKeyB64 string, err error) {
	k, err := vapid.GenerateKeys()
	if err != nil {
		return "", "", err
	}
	return k.PrivateKey, k.PublicKey, nil
}
