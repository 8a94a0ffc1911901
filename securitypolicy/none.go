// Package securitypolicy provides default uatransport.SecurityPolicy
// implementations: the no-op None policy and a Basic256Sha256-style
// symmetric policy using AES-256-CBC encryption with a separate
// HMAC-SHA256 sign-then-encrypt, keys derived via HKDF. Certificate/trust
// management itself stays out of scope; these policies accept raw
// certificate bytes as opaque key material handles.
package securitypolicy

import (
	"crypto/rsa"
	"errors"

	"github.com/opcua-io/uatransport"
)

// ErrNoSignature reports that the None policy has no signature. None's own
// Sign and Verify do not return it: Sign yields a nil signature and Verify
// accepts any input.
var ErrNoSignature = errors.New("securitypolicy: None policy has no signature")

// None is the SecurityPolicy for MessageSecurityMode_None: it passes chunk
// bodies through unmodified.
type None struct{}

func (None) URI() string { return "http://opcfoundation.org/UA/SecurityPolicy#None" }

func (None) SignatureSize() int   { return 0 }
func (None) BlockSize() int       { return 1 }
func (None) PlainBlockSize() int  { return 1 }

func (None) Sign([]byte, []byte) ([]byte, error) { return nil, nil }
func (None) Verify([]byte, []byte, []byte) error { return nil }

func (None) Encrypt(_ []byte, _ []byte, plaintext []byte) ([]byte, error) { return plaintext, nil }
func (None) Decrypt(_ []byte, _ []byte, ciphertext []byte) ([]byte, error) { return ciphertext, nil }

func (None) DeriveKeys([]byte, []byte) (uatransport.DerivedKeySet, error) {
	return uatransport.DerivedKeySet{}, nil
}

func (None) AsymmetricSign(_ []byte, _ []byte) ([]byte, error) { return nil, nil }
func (None) AsymmetricVerify(_ []byte, _ []byte, _ []byte) error { return nil }
func (None) AsymmetricEncrypt(_ []byte, plaintext []byte) ([]byte, error) { return plaintext, nil }
func (None) AsymmetricDecrypt(_ []byte, ciphertext []byte) ([]byte, error) { return ciphertext, nil }
func (None) AsymmetricSignatureSize([]byte) int { return 0 }
func (None) AsymmetricCipherTextBlockSize([]byte) int { return 1 }
func (None) AsymmetricPlainTextBlockSize([]byte) int { return 1 }

var _ uatransport.SecurityPolicy = None{}

// rsaKeySizeBytes returns the modulus size of an RSA public key in bytes,
// used by asymmetric policies to size ciphertext blocks.
func rsaKeySizeBytes(pub *rsa.PublicKey) int {
	if pub == nil {
		return 0
	}
	return (pub.N.BitLen() + 7) / 8
}
