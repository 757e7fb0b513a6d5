package control

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a bootstrap login key read from disk
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PublicKey      string
	// PrivateKey is the PEM content, as Credential expects it
	PrivateKey string
}

// LoadKeyPair reads the private key at privateKeyPath. When the matching
// .pub file is missing it is written next to the private key.
func LoadKeyPair(privateKeyPath string) (*KeyPair, error) {
	privateKeyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", privateKeyPath, err)
	}

	publicKeyPath := privateKeyPath + ".pub"
	publicKeyString := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))

	if existing, err := os.ReadFile(publicKeyPath); err == nil {
		if !samePublicKey(string(existing), publicKeyString) {
			return nil, fmt.Errorf("public key %s does not match private key %s", publicKeyPath, privateKeyPath)
		}
		publicKeyString = string(existing)
	} else if os.IsNotExist(err) {
		// Write public key in OpenSSH format
		if err := os.WriteFile(publicKeyPath, []byte(publicKeyString), 0644); err != nil {
			return nil, fmt.Errorf("failed to write public key: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	return &KeyPair{
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  publicKeyPath,
		PublicKey:      publicKeyString,
		PrivateKey:     string(privateKeyBytes),
	}, nil
}

// samePublicKey compares key type and blob, ignoring the comment.
func samePublicKey(a, b string) bool {
	fa, fb := strings.Fields(a), strings.Fields(b)
	return len(fa) >= 2 && len(fb) >= 2 && fa[0] == fb[0] && fa[1] == fb[1]
}

// Credential returns a key-based login for user.
func (kp *KeyPair) Credential(user string) Credential {
	return Credential{User: user, PrivateKey: kp.PrivateKey}
}
