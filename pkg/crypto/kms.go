package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyUnwrapper decrypts key material wrapped by a key encryption key.
type KeyUnwrapper interface {
	Unwrap(ctx context.Context, kekURI string, wrapped []byte) ([]byte, error)
}

// LocalKMS wraps key material with XChaCha20-Poly1305 under keys held in
// process memory.
type LocalKMS struct {
	keys map[string][]byte
}

// NewLocalKMS accepts base64 encoded 32 byte keys indexed by KEK URI.
func NewLocalKMS(encoded map[string]string) (*LocalKMS, error) {
	keys := make(map[string][]byte, len(encoded))
	for uri, enc := range encoded {
		k, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: kek %s: %w", ErrInvalidKey, uri, err)
		}
		if len(k) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: kek %s must be %d bytes", ErrInvalidKey, uri, chacha20poly1305.KeySize)
		}
		keys[uri] = k
	}

	return &LocalKMS{keys: keys}, nil
}

// GenerateKEK returns a fresh base64 encoded key for LocalKMS.
func GenerateKEK() (string, error) {
	k := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(k); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(k), nil
}

func (k *LocalKMS) Wrap(kekURI string, plaintext []byte) ([]byte, error) {
	key, ok := k.keys[kekURI]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKEK, kekURI)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(kekURI)), nil
}

func (k *LocalKMS) Unwrap(_ context.Context, kekURI string, wrapped []byte) ([]byte, error) {
	key, ok := k.keys[kekURI]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKEK, kekURI)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrDecrypt)
	}
	nonce, ct := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ct, []byte(kekURI))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	return out, nil
}
