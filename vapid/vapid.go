// Package vapid provides VAPID (Voluntary Application Server Identification)
// key utilities for Web Push.
package vapid

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/webpush-libs/webpush-go/internal/b64"
)

const (
	// PublicKeySize is the size of an uncompressed P-256 point.
	PublicKeySize = 65
	// PrivateKeySize is the size of a P-256 private scalar.
	PrivateKeySize = 32
)

// oidNamedCurveP256 is prime256v1.
var oidNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}

// Keys is a VAPID key pair encoded for configuration files and for
// PushManager.subscribe().
type Keys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// GenerateKeys generates a new P-256 key pair. The private key is always
// 32 bytes and the public key 65 bytes once decoded.
func GenerateKeys() (*Keys, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return &Keys{
		PublicKey:  b64.Encode(leftPad(priv.PublicKey().Bytes(), PublicKeySize)),
		PrivateKey: b64.Encode(leftPad(priv.Bytes(), PrivateKeySize)),
	}, nil
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// ApplicationServerKey returns the VAPID public key formatted for use with
// the JavaScript PushManager.subscribe() method.
func ApplicationServerKey(publicKey []byte) string {
	return b64.Encode(publicKey)
}

// DecodeApplicationServerKey decodes a base64 URL-encoded application server key.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	return b64.Decode(key)
}

// ecPrivateKey is the RFC 5915 ECPrivateKey structure.
type ecPrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// PrivateKeyDER encodes a raw 32 byte P-256 scalar as an RFC 5915
// ECPrivateKey. The scalar is checked against the curve first.
func PrivateKeyDER(raw []byte) ([]byte, error) {
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	pub := priv.PublicKey().Bytes()
	der, err := asn1.Marshal(ecPrivateKey{
		Version:       1,
		PrivateKey:    priv.Bytes(),
		NamedCurveOID: oidNamedCurveP256,
		PublicKey:     asn1.BitString{Bytes: pub, BitLength: 8 * len(pub)},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return der, nil
}

// PrivateKeyPEM encodes a raw 32 byte P-256 scalar as an "EC PRIVATE KEY"
// PEM block.
func PrivateKeyPEM(raw []byte) ([]byte, error) {
	der, err := PrivateKeyDER(raw)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// PublicKeyFromPrivate returns the uncompressed public key for a raw scalar.
func PublicKeyFromPrivate(raw []byte) ([]byte, error) {
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return priv.PublicKey().Bytes(), nil
}
