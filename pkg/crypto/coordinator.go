package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const encryptionKeysPath = "/encryptionKeys/"

// KeySplitResponse is what a coordinator returns for one key id. KeyMaterial
// is the coordinator's share of the private key, wrapped by its KEK.
type KeySplitResponse struct {
	KeyID               string `json:"keyId"`
	KeyEncryptionKeyURI string `json:"keyEncryptionKeyUri"`
	KeyMaterial         []byte `json:"keyMaterial"`
}

type KeySplitFetcher interface {
	FetchKeySplit(ctx context.Context, keyID string) ([]byte, error)
}

type CoordinatorConfig struct {
	Name           string
	URL            string
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
}

type coordinator struct {
	cfg       CoordinatorConfig
	client    *http.Client
	unwrapper KeyUnwrapper
	logger    *slog.Logger
}

func NewCoordinator(cfg CoordinatorConfig, unwrapper KeyUnwrapper, logger *slog.Logger) KeySplitFetcher {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}

	return &coordinator{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		unwrapper: unwrapper,
		logger:    logger,
	}
}

func (c *coordinator) FetchKeySplit(ctx context.Context, keyID string) ([]byte, error) {
	var split []byte
	attempt := 0
	op := func() error {
		attempt++
		s, err := c.fetchOnce(ctx, keyID)
		if err == nil {
			split = s

			return nil
		}
		var kfe *KeyFetchError
		if errors.As(err, &kfe) && !kfe.Retryable {
			return backoff.Permanent(err)
		}
		c.logger.Warn("key split fetch failed, retrying",
			slog.String("coordinator", c.cfg.Name),
			slog.String("key_id", keyID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), ctx)

	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}

	return split, nil
}

func (c *coordinator) fetchOnce(ctx context.Context, keyID string) ([]byte, error) {
	fail := func(reason KeyFetchReason, retryable bool, err error) error {
		return &KeyFetchError{Coordinator: c.cfg.Name, KeyID: keyID, Reason: reason, Retryable: retryable, Err: err}
	}

	endpoint := strings.TrimSuffix(c.cfg.URL, "/") + encryptionKeysPath + url.PathEscape(keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fail(InvalidResponse, false, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fail(ServiceUnavailable, true, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fail(KeyNotFound, false, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fail(PermissionDenied, false, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fail(ServiceUnavailable, true, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, fail(InvalidResponse, false, fmt.Errorf("status %d", resp.StatusCode))
	}

	var ks KeySplitResponse
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		return nil, fail(InvalidResponse, false, err)
	}
	split, err := c.unwrapper.Unwrap(ctx, ks.KeyEncryptionKeyURI, ks.KeyMaterial)
	if err != nil {
		return nil, fail(KeyDecryptionError, false, err)
	}

	return split, nil
}
