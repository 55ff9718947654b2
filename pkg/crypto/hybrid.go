package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hybridInfo = "shuffler hybrid encryption v1"

// GenerateKeyPair returns an X25519 key pair for hybrid encryption.
func GenerateKeyPair() (public, private []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, err
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return public, private, nil
}

// HybridEncrypt seals plaintext for the holder of the private half of public.
// The output is the ephemeral public key followed by the AEAD ciphertext.
func HybridEncrypt(public, plaintext, associatedData []byte) ([]byte, error) {
	if len(public) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKey, curve25519.PointSize)
	}

	ephemeral := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephemeral); err != nil {
		return nil, err
	}
	ephemeralPub, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	shared, err := curve25519.X25519(ephemeral, public)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	aead, err := newAEAD(shared, ephemeralPub, public)
	if err != nil {
		return nil, err
	}

	// Every message gets a fresh key, so a zero nonce is never reused.
	nonce := make([]byte, aead.NonceSize())
	out := make([]byte, 0, len(ephemeralPub)+len(plaintext)+aead.Overhead())
	out = append(out, ephemeralPub...)

	return aead.Seal(out, nonce, plaintext, associatedData), nil
}

func HybridDecrypt(private, ciphertext, associatedData []byte) ([]byte, error) {
	if len(private) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, curve25519.ScalarSize)
	}
	if len(ciphertext) < curve25519.PointSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	ephemeralPub := ciphertext[:curve25519.PointSize]
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	shared, err := curve25519.X25519(private, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	aead, err := newAEAD(shared, ephemeralPub, public)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext[curve25519.PointSize:], associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	return plaintext, nil
}

func newAEAD(shared, ephemeralPub, public []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(public))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, public...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hybridInfo)), key); err != nil {
		return nil, err
	}

	return chacha20poly1305.New(key)
}

// SplitKey splits private into two shares whose XOR is the key.
func SplitKey(private []byte) (a, b []byte, err error) {
	a = make([]byte, len(private))
	if _, err := rand.Read(a); err != nil {
		return nil, nil, err
	}

	return a, xorBytes(a, private), nil
}

// CombineSplits reconstructs a private key from its two shares.
func CombineSplits(a, b []byte) ([]byte, error) {
	if len(a) != len(b) || len(a) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: key splits of length %d and %d", ErrInvalidKey, len(a), len(b))
	}

	return xorBytes(a, b), nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}

	return out
}
