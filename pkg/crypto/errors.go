package crypto

import (
	"errors"
	"fmt"
)

var (
	ErrNoPublicKeys      = errors.New("no public keys available for encryption")
	ErrInvalidKey        = errors.New("invalid key material")
	ErrDecrypt           = errors.New("failed to decrypt payload")
	ErrMalformedEnvelope = errors.New("malformed encryption envelope")
	ErrUnknownKEK        = errors.New("unknown key encryption key")
)

type KeyFetchReason string

const (
	KeyNotFound        KeyFetchReason = "KEY_NOT_FOUND"
	PermissionDenied   KeyFetchReason = "PERMISSION_DENIED"
	ServiceUnavailable KeyFetchReason = "SERVICE_UNAVAILABLE"
	InvalidResponse    KeyFetchReason = "INVALID_RESPONSE"
	KeyDecryptionError KeyFetchReason = "KEY_DECRYPTION_ERROR"
)

// KeyFetchError reports a failure to obtain a private key split from a
// coordinator. Retryable failures may succeed on a later delivery.
type KeyFetchError struct {
	Coordinator string
	KeyID       string
	Reason      KeyFetchReason
	Retryable   bool
	Err         error
}

func (e *KeyFetchError) Error() string {
	msg := fmt.Sprintf("key fetch from %s failed for key %q: %s", e.Coordinator, e.KeyID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *KeyFetchError) Unwrap() error {
	return e.Err
}

// IsRetryableKeyFetch reports whether err carries a retryable KeyFetchError.
func IsRetryableKeyFetch(err error) bool {
	var kfe *KeyFetchError
	if errors.As(err, &kfe) {
		return kfe.Retryable
	}

	return false
}
