package crypto

import (
	"context"

	"github.com/absmach/shuffler/pkg/compress"
)

// OpenPayload parses an envelope, threshold decrypts it and gunzips the result.
func OpenPayload(ctx context.Context, d Decrypter, data []byte) ([]byte, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	plaintext, err := d.Decrypt(ctx, env)
	if err != nil {
		return nil, err
	}

	return compress.Uncompress(plaintext)
}

// SealPayload gzips data, encrypts it under a server public key and returns
// the marshalled envelope.
func SealPayload(e Encrypter, data, associatedData []byte) ([]byte, error) {
	packed, err := compress.Compress(data)
	if err != nil {
		return nil, err
	}
	env, err := e.Encrypt(packed, associatedData)
	if err != nil {
		return nil, err
	}

	return env.Marshal()
}
