package crypto

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized form of an encrypted payload. Byte fields are
// base64 encoded on the wire.
type Envelope struct {
	KeyID          string `json:"keyId"`
	EncryptedData  []byte `json:"encryptedData"`
	AssociatedData []byte `json:"associatedData"`
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if e.KeyID == "" || len(e.EncryptedData) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing key id or data", ErrMalformedEnvelope)
	}

	return e, nil
}
