// Package ecies implements the v1 submission envelope: X25519 ECDH, an
// HKDF-SHA256 key derivation, and AES-256-GCM. Clients seal to the relayer's
// long-lived public key; the relayer opens with its static secret.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Version is the envelope format version this package speaks.
const Version = 1

// hkdfInfo binds derived keys to this protocol.
const hkdfInfo = "obelysk-ecies-v1"

// Envelope is the wire form of an encrypted submission.
type Envelope struct {
	EphemeralPubkey string `json:"ephemeral_pubkey"`
	Ciphertext      string `json:"ciphertext"`
	Nonce           string `json:"nonce"`
	Version         uint8  `json:"version"`
}

var (
	// ErrVersion indicates an unsupported envelope version.
	ErrVersion = errors.New("unsupported envelope version")
	// ErrMalformed indicates an undecodable envelope field.
	ErrMalformed = errors.New("malformed envelope")
	// ErrDecrypt indicates authentication failure or a wrong key.
	ErrDecrypt = errors.New("decryption failed")
)

// PublicKey derives the X25519 public key for a 32-byte private key.
func PublicKey(privateKey []byte) (string, error) {
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// deriveAEAD runs ECDH and HKDF to produce the envelope AEAD.
func deriveAEAD(privateKey, peerPublic []byte) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(privateKey, peerPublic)
	if err != nil {
		return nil, err
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Open decrypts an envelope with the relayer's static private key.
func Open(privateKey []byte, env Envelope) ([]byte, error) {
	if env.Version != Version {
		return nil, ErrVersion
	}

	epk, err := hex.DecodeString(env.EphemeralPubkey)
	if err != nil || len(epk) != 32 {
		return nil, ErrMalformed
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return nil, ErrMalformed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrMalformed
	}

	aead, err := deriveAEAD(privateKey, epk)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrMalformed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Seal encrypts plaintext to a recipient public key (hex) under a fresh
// ephemeral key. The relayer itself never seals; this is the client side of
// the protocol, used by tooling and tests.
func Seal(recipientPublicHex string, plaintext []byte) (Envelope, error) {
	recipientPub, err := hex.DecodeString(recipientPublicHex)
	if err != nil || len(recipientPub) != 32 {
		return Envelope{}, ErrMalformed
	}

	ephemeralPriv := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, ephemeralPriv); err != nil {
		return Envelope{}, err
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return Envelope{}, err
	}

	aead, err := deriveAEAD(ephemeralPriv, recipientPub)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return Envelope{
		EphemeralPubkey: hex.EncodeToString(ephemeralPub),
		Ciphertext:      base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:           hex.EncodeToString(nonce),
		Version:         Version,
	}, nil
}
