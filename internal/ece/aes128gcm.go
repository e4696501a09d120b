package ece

import (
	"bytes"
	"crypto/ecdh"
	"encoding/binary"
	"fmt"
)

const aes128gcmHeaderSize = SaltSize + 4 + 1

func deriveAES128GCM(k *Keys, salt []byte, localIsSender bool) (key, nonce []byte, err error) {
	secret, uaPub, asPub, err := k.secrets(localIsSender)
	if err != nil {
		return nil, nil, err
	}

	// IKM = HKDF(auth_secret, ecdh_secret, "WebPush: info" || 0x00 || ua_public || as_public)
	info := append([]byte("WebPush: info\x00"), uaPub...)
	info = append(info, asPub...)
	ikm, err := expand(secret, k.AuthSecret, info, ikmSize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving IKM: %w", err)
	}

	key, err = expand(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving CEK: %w", err)
	}
	nonce, err = expand(ikm, salt, []byte("Content-Encoding: nonce\x00"), nonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving nonce: %w", err)
	}
	return key, nonce, nil
}

// EncryptAES128GCM encrypts plaintext as an aes128gcm body. The returned body
// starts with the header salt || rs || idlen || keyid, where keyid is the
// sender's uncompressed public key.
func EncryptAES128GCM(plaintext []byte, k *Keys, salt []byte, rs int) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, ErrInvalidSalt
	}
	// Each record carries at least one byte of data, the delimiter and the tag.
	if rs < tagSize+2 {
		return nil, ErrInvalidRecordSize
	}
	key, baseNonce, err := deriveAES128GCM(k, salt, true)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	keyID := k.Local.PublicKey().Bytes()
	out := make([]byte, 0, aes128gcmHeaderSize+len(keyID)+len(plaintext)+tagSize+1)
	out = append(out, salt...)
	out = binary.BigEndian.AppendUint32(out, uint32(rs))
	out = append(out, byte(len(keyID)))
	out = append(out, keyID...)

	chunk := rs - tagSize - 1
	var seq uint64
	for {
		n := min(chunk, len(plaintext))
		last := n == len(plaintext)
		record := make([]byte, 0, n+1)
		record = append(record, plaintext[:n]...)
		if last {
			record = append(record, 0x02)
		} else {
			record = append(record, 0x01)
		}
		out = gcm.Seal(out, recordNonce(baseNonce, seq), record, nil)
		plaintext = plaintext[n:]
		seq++
		if last {
			return out, nil
		}
	}
}

// DecryptAES128GCM decrypts an aes128gcm body. k.Local is the user agent's
// private key; the sender's public key is read from the body header and
// k.Remote is ignored.
func DecryptAES128GCM(body []byte, k *Keys) ([]byte, error) {
	if len(body) < aes128gcmHeaderSize {
		return nil, ErrTruncated
	}
	salt := body[:SaltSize]
	rs := int(binary.BigEndian.Uint32(body[SaltSize : SaltSize+4]))
	idlen := int(body[SaltSize+4])
	if rs < tagSize+2 {
		return nil, ErrInvalidRecordSize
	}
	if len(body) < aes128gcmHeaderSize+idlen {
		return nil, ErrTruncated
	}
	sender, err := ecdh.P256().NewPublicKey(body[aes128gcmHeaderSize : aes128gcmHeaderSize+idlen])
	if err != nil {
		return nil, fmt.Errorf("parsing sender key: %w", err)
	}
	body = body[aes128gcmHeaderSize+idlen:]

	dk := &Keys{Local: k.Local, Remote: sender, AuthSecret: k.AuthSecret}
	key, baseNonce, err := deriveAES128GCM(dk, salt, false)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	for seq := uint64(0); ; seq++ {
		if len(body) == 0 {
			return nil, ErrTruncated
		}
		n := min(rs, len(body))
		record, err := gcm.Open(nil, recordNonce(baseNonce, seq), body[:n], nil)
		if err != nil {
			return nil, fmt.Errorf("decrypting record %d: %w", seq, err)
		}
		body = body[n:]

		record = bytes.TrimRight(record, "\x00")
		if len(record) == 0 {
			return nil, ErrBadPadding
		}
		delim := record[len(record)-1]
		plaintext = append(plaintext, record[:len(record)-1]...)
		switch {
		case delim == 0x02 && len(body) == 0:
			return plaintext, nil
		case delim == 0x01 && len(body) > 0:
		default:
			return nil, ErrBadPadding
		}
	}
}
