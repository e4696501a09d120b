package ece

import (
	"encoding/binary"
	"fmt"
)

// PadSize is the length of the padding-length prefix in each aesgcm record.
const PadSize = 2

// aesgcmContext builds "P-256" || 0x00 || len(ua) || ua || len(as) || as.
func aesgcmContext(uaPub, asPub []byte) []byte {
	ctx := []byte("P-256\x00")
	ctx = binary.BigEndian.AppendUint16(ctx, uint16(len(uaPub)))
	ctx = append(ctx, uaPub...)
	ctx = binary.BigEndian.AppendUint16(ctx, uint16(len(asPub)))
	ctx = append(ctx, asPub...)
	return ctx
}

func deriveAESGCM(k *Keys, salt []byte, localIsSender bool) (key, nonce []byte, err error) {
	secret, uaPub, asPub, err := k.secrets(localIsSender)
	if err != nil {
		return nil, nil, err
	}

	ikm, err := expand(secret, k.AuthSecret, []byte("Content-Encoding: auth\x00"), ikmSize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving IKM: %w", err)
	}

	ctx := aesgcmContext(uaPub, asPub)
	key, err = expand(ikm, salt, append([]byte("Content-Encoding: aesgcm\x00"), ctx...), keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving CEK: %w", err)
	}
	nonce, err = expand(ikm, salt, append([]byte("Content-Encoding: nonce\x00"), ctx...), nonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving nonce: %w", err)
	}
	return key, nonce, nil
}

// EncryptAESGCM encrypts plaintext with the legacy aesgcm encoding. Each
// record is a two byte padding length followed by the padding and data; no
// padding is added. The salt and the sender's public key are not part of the
// output and must be sent in the Encryption and Crypto-Key headers.
func EncryptAESGCM(plaintext []byte, k *Keys, salt []byte, rs int) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, ErrInvalidSalt
	}
	if rs <= PadSize {
		return nil, ErrInvalidRecordSize
	}
	key, baseNonce, err := deriveAESGCM(k, salt, true)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// The final record must be shorter than rs, so a payload that fills its
	// last record exactly is followed by an empty one.
	chunk := rs - PadSize
	var out []byte
	for seq := uint64(0); ; seq++ {
		n := min(chunk, len(plaintext))
		record := make([]byte, PadSize, PadSize+n)
		record = append(record, plaintext[:n]...)
		out = gcm.Seal(out, recordNonce(baseNonce, seq), record, nil)
		plaintext = plaintext[n:]
		if n < chunk {
			return out, nil
		}
	}
}

// DecryptAESGCM decrypts an aesgcm body. k.Local is the user agent's private
// key and k.Remote the sender's public key from the Crypto-Key header.
func DecryptAESGCM(ciphertext []byte, k *Keys, salt []byte, rs int) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, ErrInvalidSalt
	}
	if rs <= PadSize {
		return nil, ErrInvalidRecordSize
	}
	key, baseNonce, err := deriveAESGCM(k, salt, false)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	for seq := uint64(0); ; seq++ {
		if len(ciphertext) == 0 {
			return nil, ErrTruncated
		}
		n := min(rs+tagSize, len(ciphertext))
		record, err := gcm.Open(nil, recordNonce(baseNonce, seq), ciphertext[:n], nil)
		if err != nil {
			return nil, fmt.Errorf("decrypting record %d: %w", seq, err)
		}
		ciphertext = ciphertext[n:]

		if len(record) < PadSize {
			return nil, ErrBadPadding
		}
		pad := int(binary.BigEndian.Uint16(record))
		if PadSize+pad > len(record) {
			return nil, ErrBadPadding
		}
		for _, b := range record[PadSize : PadSize+pad] {
			if b != 0 {
				return nil, ErrBadPadding
			}
		}
		plaintext = append(plaintext, record[PadSize+pad:]...)

		if len(record) < rs {
			if len(ciphertext) != 0 {
				return nil, ErrBadPadding
			}
			return plaintext, nil
		}
	}
}
