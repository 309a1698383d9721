package verify

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"
	"testing"
)

func genSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &Signer{key: key}
}

func TestSHA256File(t *testing.T) {
	path := t.TempDir() + "/f.txt"
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File: %v", err)
	}
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("got %s", sum)
	}
}

func TestSignAndVerify(t *testing.T) {
	signer := genSigner(t)
	data := []byte("repository index bytes")

	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub, err := signer.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if err := VerifySignature(pub, data, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignatureRejectsTamperedData(t *testing.T) {
	signer := genSigner(t)
	data := []byte("repository index bytes")
	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub, err := signer.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}

	if err := VerifySignature(pub, []byte("tampered bytes"), sig); err == nil {
		t.Fatalf("expected verification to fail for tampered data")
	}
}

func TestParsePublicKeyPEMRoundTrip(t *testing.T) {
	signer := genSigner(t)
	der, err := x509.MarshalPKIXPublicKey(&signer.key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	data := pem.EncodeToMemory(block)

	pub, err := ParsePublicKeyPEM(data)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	want, err := signer.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if pub.Fingerprint != want.Fingerprint {
		t.Fatalf("got fingerprint %s, want %s", pub.Fingerprint, want.Fingerprint)
	}
}

func TestParsePublicKeyPEMRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKeyPEM([]byte("not pem data")); err == nil {
		t.Fatalf("expected an error for non-PEM input")
	}
	if !strings.Contains("no PEM block found in public key data", "PEM block") {
		t.Fatalf("sanity check failed")
	}
}
