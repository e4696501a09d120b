// Package ece implements HTTP Encrypted Content-Encoding as used by Web Push.
//
// Two encodings are supported: "aes128gcm" (RFC 8188 framing with the
// RFC 8291 Web Push key schedule) and the legacy "aesgcm" draft, where the
// salt and sender key travel in HTTP headers rather than in the body.
package ece

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the size of the random salt in bytes.
	SaltSize = 16
	// DefaultRecordSize is the record size used when encrypting.
	DefaultRecordSize = 4096

	keySize   = 16
	nonceSize = 12
	tagSize   = 16
	ikmSize   = 32
)

var (
	// ErrInvalidRecordSize is returned when a record size cannot hold any data.
	ErrInvalidRecordSize = errors.New("ece: invalid record size")
	// ErrInvalidSalt is returned when the salt is not SaltSize bytes.
	ErrInvalidSalt = errors.New("ece: salt must be 16 bytes")
	// ErrTruncated is returned when ciphertext ends before a final record.
	ErrTruncated = errors.New("ece: truncated ciphertext")
	// ErrBadPadding is returned when a decrypted record has malformed padding.
	ErrBadPadding = errors.New("ece: invalid padding")
)

// Keys holds the key material for one encryption or decryption.
//
// When encrypting, Local is the sender's ephemeral key and Remote is the
// user agent's public key. When decrypting it is the other way round.
type Keys struct {
	Local      *ecdh.PrivateKey
	Remote     *ecdh.PublicKey
	AuthSecret []byte
}

// secrets derives the raw ECDH secret and orders the two public keys as
// (user agent, application server).
func (k *Keys) secrets(localIsSender bool) (secret, uaPub, asPub []byte, err error) {
	if k.Local == nil || k.Remote == nil {
		return nil, nil, nil, errors.New("ece: missing key")
	}
	secret, err = k.Local.ECDH(k.Remote)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("computing shared secret: %w", err)
	}
	if localIsSender {
		return secret, k.Remote.Bytes(), k.Local.PublicKey().Bytes(), nil
	}
	return secret, k.Local.PublicKey().Bytes(), k.Remote.Bytes(), nil
}

func expand(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// recordNonce XORs the record sequence number into the low bytes of base.
func recordNonce(base []byte, seq uint64) []byte {
	n := make([]byte, len(base))
	copy(n, base)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		n[len(n)-8+i] ^= s[i]
	}
	return n
}
