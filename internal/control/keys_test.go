package control

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestKey(t *testing.T, dir string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	path := filepath.Join(dir, "bootstrap_key")
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestLoadKeyPairWritesPublicKey(t *testing.T) {
	path := writeTestKey(t, t.TempDir())

	kp, err := LoadKeyPair(path)
	if err != nil {
		t.Fatalf("LoadKeyPair() unexpected error: %v", err)
	}
	if !strings.HasPrefix(kp.PublicKey, "ssh-rsa ") {
		t.Errorf("Expected OpenSSH public key, got %q", kp.PublicKey)
	}
	written, err := os.ReadFile(path + ".pub")
	if err != nil {
		t.Fatalf("public key was not written: %v", err)
	}
	if string(written) != kp.PublicKey {
		t.Errorf("written public key differs from returned one")
	}

	cred := kp.Credential("root")
	if cred.User != "root" || cred.PrivateKey == "" || cred.Password != "" {
		t.Errorf("unexpected credential %+v", cred)
	}
	if _, err := authMethods(cred); err != nil {
		t.Errorf("credential does not produce auth methods: %v", err)
	}

	// A second load reuses the existing public key
	again, err := LoadKeyPair(path)
	if err != nil {
		t.Fatalf("second LoadKeyPair() unexpected error: %v", err)
	}
	if again.PublicKey != kp.PublicKey {
		t.Errorf("public key changed between loads")
	}
}

func TestLoadKeyPairMismatchedPublicKey(t *testing.T) {
	dir := t.TempDir()
	path := writeTestKey(t, dir)
	if err := os.WriteFile(path+".pub", []byte("ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAAAgQDother vagrant\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadKeyPair(path); err == nil {
		t.Error("Expected error for a public key that belongs to another private key")
	}
}

func TestLoadKeyPairInvalid(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadKeyPair(filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing key")
	}

	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeyPair(garbage); err == nil {
		t.Error("Expected error for unparsable key")
	}
}
