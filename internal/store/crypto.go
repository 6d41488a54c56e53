// internal/store/crypto.go
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/bitsage/vm31-relayer/pkg/errors"
)

// noteCipher seals note record values at rest with AES-256-GCM. The nonce is
// prepended to the ciphertext.
type noteCipher struct {
	aead cipher.AEAD
}

func newNoteCipher(key []byte) (*noteCipher, error) {
	if len(key) != 32 {
		return nil, errors.E("storage key must be 32 bytes", errors.StoreDomain, "NewCipher", errors.StoreErrEncryption)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E("creating cipher", errors.StoreDomain, "NewCipher", errors.StoreErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.E("creating GCM", errors.StoreDomain, "NewCipher", errors.StoreErrEncryption, err)
	}
	return &noteCipher{aead: aead}, nil
}

func (c *noteCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.E("generating nonce", errors.StoreDomain, "Seal", errors.StoreErrEncryption, err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *noteCipher) open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.E("sealed value too short", errors.StoreDomain, "Open", errors.StoreErrEncryption)
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, errors.E("decrypting value", errors.StoreDomain, "Open", errors.StoreErrEncryption, err)
	}
	return plaintext, nil
}
