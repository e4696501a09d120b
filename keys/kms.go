package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"

	"github.com/webpush-libs/webpush-go"
	"github.com/webpush-libs/webpush-go/internal/b64"
	"github.com/webpush-libs/webpush-go/vapid"
)

var _ webpush.Signer = (*KMSSigner)(nil)

// kmsClient is the subset of *kms.KeyManagementClient used here.
type kmsClient interface {
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	Close() error
}

// KMSSigner signs VAPID tokens with a Google Cloud KMS EC_SIGN_P256_SHA256
// key. The private key never leaves KMS.
type KMSSigner struct {
	client    kmsClient
	keyName   string
	publicKey []byte // uncompressed format
}

// NewKMSSigner creates a new KMS-backed signer.
// keyName should be in the format:
// projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{key}/cryptoKeyVersions/{version}
func NewKMSSigner(ctx context.Context, keyName string) (*KMSSigner, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	s, err := newKMSSigner(ctx, client, keyName)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func newKMSSigner(ctx context.Context, client kmsClient, keyName string) (*KMSSigner, error) {
	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: keyName,
	})
	if err != nil {
		return nil, fmt.Errorf("getting public key: %w", err)
	}

	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		return nil, errors.New("failed to parse public key PEM")
	}
	pubKeyInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	ecdsaPubKey, ok := pubKeyInterface.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not ECDSA")
	}
	ecdhPubKey, err := ecdsaPubKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	pub := ecdhPubKey.Bytes()
	if len(pub) != vapid.PublicKeySize {
		return nil, errors.New("key must be P-256 curve")
	}

	return &KMSSigner{
		client:    client,
		keyName:   keyName,
		publicKey: pub,
	}, nil
}

// Sign signs the given digest using KMS and returns the signature in IEEE
// P1363 format.
func (s *KMSSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := s.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: s.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{
				Sha256: digest,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signing with KMS: %w", err)
	}
	return derToP1363(resp.Signature)
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *KMSSigner) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string.
func (s *KMSSigner) PublicKeyBase64() string {
	return b64.Encode(s.publicKey)
}

// Close closes the underlying KMS client.
func (s *KMSSigner) Close() error {
	return s.client.Close()
}

// derToP1363 converts a DER-encoded ECDSA signature to IEEE P1363 format.
func derToP1363(der []byte) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("parsing DER signature: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing data after DER signature")
	}
	if sig.R.Sign() <= 0 || sig.S.Sign() <= 0 || sig.R.BitLen() > 256 || sig.S.BitLen() > 256 {
		return nil, errors.New("signature values out of range for P-256")
	}

	// r || s, each 32 bytes for P-256
	result := make([]byte, 64)
	sig.R.FillBytes(result[:32])
	sig.S.FillBytes(result[32:])
	return result, nil
}
