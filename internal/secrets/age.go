// Package secrets encrypts data at rest using age. Grounded on the
// *secrets.AgeEncryptor usage pattern threaded through
// cmd/mcplexer/main.go's buildAuthInjector (NewAgeEncryptor from a key
// file path, EnsureKeyFile to provision one on first run, and an
// ephemeral fallback when no key path is configured); the encryptor type
// itself is rebuilt here directly against filippo.io/age since it
// carries no other internal dependencies.
package secrets

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// AgeEncryptor encrypts and decrypts byte blobs with a single X25519
// identity. One encryptor is shared by every caller that needs secrets
// at rest: the persistent token store uses it to seal TokenData before
// writing it to SQLite.
type AgeEncryptor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeEncryptor loads an X25519 identity from an age key file (the
// "AGE-SECRET-KEY-1..." format written by `age-keygen`).
func NewAgeEncryptor(keyPath string) (*AgeEncryptor, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse age key file: %w", err)
	}
	for _, id := range identities {
		if x25519, ok := id.(*age.X25519Identity); ok {
			return &AgeEncryptor{identity: x25519, recipient: x25519.Recipient()}, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found in %s", keyPath)
}

// EnsureKeyFile loads the identity at keyPath, generating and persisting
// a fresh one (mode 0600) if the file does not yet exist.
func EnsureKeyFile(keyPath string) (*AgeEncryptor, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return NewAgeEncryptor(keyPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat age key file: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	contents := fmt.Sprintf("# generated by funnelproxy\n%s\n", identity.String())
	if err := os.WriteFile(keyPath, []byte(contents), 0o600); err != nil {
		return nil, fmt.Errorf("write age key file: %w", err)
	}

	return &AgeEncryptor{identity: identity, recipient: identity.Recipient()}, nil
}

// NewEphemeralEncryptor generates an in-memory-only identity. Secrets
// encrypted with it do not survive a process restart; used when no
// persistent key path is configured and durability of stored tokens is
// not required.
func NewEphemeralEncryptor() (*AgeEncryptor, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return &AgeEncryptor{identity: identity, recipient: identity.Recipient()}, nil
}

// Encrypt seals plaintext to this encryptor's own recipient.
func (e *AgeEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("open age writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close age writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens a blob previously sealed with Encrypt.
func (e *AgeEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("open age reader: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	return plaintext, nil
}
