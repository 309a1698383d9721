// Package verify implements the trust layer: SHA-256 digests of files and
// streams, RSA signature verification over a repository's index, and
// public-key fingerprinting. Grounded on crypto/rsa and crypto/x509
// directly rather than github.com/sigstore/sigstore (present in the
// rebuild example's go.mod): sigstore's keyless OIDC/Fulcio trust model
// does not fit xbps's legacy long-lived fingerprinted RSA key signing, so
// the stdlib crypto packages are the correct tool here and the dependency
// is not wired — see DESIGN.md.
package verify

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/voidlinux/xbpsgo/xbpserr"
)

// SHA256 returns the hex-encoded sha256 digest of r's contents.
func SHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", xbpserr.Wrap(xbpserr.IO, err, "hashing stream")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256File hashes the file at path.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xbpserr.Wrap(xbpserr.IO, err, "opening %s", path)
	}
	defer f.Close()
	return SHA256(f)
}

// PublicKey is a parsed trusted signer: the raw DER bytes (for signature
// verification) and its fingerprint (for display and xbps-keys bookkeeping).
type PublicKey struct {
	Key         *rsa.PublicKey
	Fingerprint string
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key, the format xbps
// stores under <metadir>/keys/<fingerprint>.plist-adjacent key files.
func ParsePublicKeyPEM(data []byte) (*PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, xbpserr.New(xbpserr.Inval, "no PEM block found in public key data")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, xbpserr.Wrap(xbpserr.Inval, err, "parsing public key")
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, xbpserr.New(xbpserr.Inval, "public key is not RSA")
	}

	sum := sha256.Sum256(block.Bytes)
	return &PublicKey{Key: rsaKey, Fingerprint: hex.EncodeToString(sum[:])}, nil
}

// VerifySignature checks sig (PKCS#1v15 over the SHA-256 of data) against
// pub, the scheme xbps-rindex uses to sign a repository's index.
func VerifySignature(pub *PublicKey, data, sig []byte) error {
	sum := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub.Key, crypto.SHA256, sum[:], sig); err != nil {
		return xbpserr.Wrap(xbpserr.Auth, err, "signature verification failed (fingerprint %s)", pub.Fingerprint)
	}
	return nil
}

// Signer wraps a private key for tests and for xbps-rindex's signing
// step. Passphrase-protected keys are explicitly out of scope (spec.md
// §2C): the private key is always handed in decrypted.
type Signer struct {
	key *rsa.PrivateKey
}

// ParsePrivateKeyPEM parses an unencrypted PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, xbpserr.New(xbpserr.Inval, "no PEM block found in private key data")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Signer{key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, xbpserr.Wrap(xbpserr.Inval, err, "parsing private key")
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, xbpserr.New(xbpserr.Inval, "private key is not RSA")
	}
	return &Signer{key: rsaKey}, nil
}

// Sign produces a PKCS#1v15 signature over the SHA-256 of data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return nil, xbpserr.Wrap(xbpserr.Auth, err, "signing data")
	}
	return sig, nil
}

// PublicKey returns the signer's corresponding PublicKey, with its
// fingerprint computed the same way ParsePublicKeyPEM does so a freshly
// generated key pair and one round-tripped through PEM agree.
func (s *Signer) PublicKey() (*PublicKey, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("verify: marshaling public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return &PublicKey{Key: &s.key.PublicKey, Fingerprint: hex.EncodeToString(sum[:])}, nil
}
