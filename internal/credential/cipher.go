package credential

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// cipher wraps an age X25519 identity pair, encrypting cache entries at
// rest and decrypting on read via age.Encrypt/age.Decrypt over a single
// X25519Recipient/Identity.
type cipher struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// newCipher generates a fresh X25519 keypair for the lifetime of the
// broker process. Keys are never persisted: a process restart simply
// re-fetches from the SecretStore on first use.
func newCipher() (*cipher, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate cache identity: %w", err)
	}
	return &cipher{identity: identity, recipient: identity.Recipient()}, nil
}

func (c *cipher) seal(plaintext string) ([]byte, error) {
	out := &bytes.Buffer{}
	w, err := age.Encrypt(out, c.recipient)
	if err != nil {
		return nil, fmt.Errorf("open age writer: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return nil, fmt.Errorf("write ciphertext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush ciphertext: %w", err)
	}
	return out.Bytes(), nil
}

func (c *cipher) open(ciphertext []byte) (string, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), c.identity)
	if err != nil {
		return "", fmt.Errorf("open age reader: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read plaintext: %w", err)
	}
	return string(plaintext), nil
}
