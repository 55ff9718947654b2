package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/curve25519"
)

const (
	DefaultRefreshInterval = 8 * time.Hour
	publicKeysPath         = "/publicKeys"
)

type PublicKey struct {
	ID  string `json:"id"`
	Key []byte `json:"key"`
}

type PublicKeySet struct {
	Keys []PublicKey `json:"keys"`
}

type KeyFetcher interface {
	FetchPublicKeys(ctx context.Context) ([]PublicKey, error)
}

type Encrypter interface {
	Encrypt(plaintext, associatedData []byte) (Envelope, error)
}

type httpKeyFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPKeyFetcher fetches public keys from GET {baseURL}/publicKeys.
func NewHTTPKeyFetcher(baseURL string, timeout time.Duration) KeyFetcher {
	return &httpKeyFetcher{
		url:    strings.TrimSuffix(baseURL, "/") + publicKeysPath,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *httpKeyFetcher) FetchPublicKeys(ctx context.Context) ([]PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch public keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch public keys: unexpected status %d", resp.StatusCode)
	}

	var set PublicKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode public keys: %w", err)
	}

	return set.Keys, nil
}

// EncryptionService encrypts payloads under a randomly chosen cached public
// key. The cache is replaced atomically on each successful refresh.
type EncryptionService struct {
	fetcher  KeyFetcher
	keys     atomic.Pointer[[]PublicKey]
	interval time.Duration
	logger   *slog.Logger
}

func NewEncryptionService(fetcher KeyFetcher, interval time.Duration, logger *slog.Logger) *EncryptionService {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	return &EncryptionService{
		fetcher:  fetcher,
		interval: interval,
		logger:   logger,
	}
}

func (s *EncryptionService) RefreshKeys(ctx context.Context) error {
	keys, err := s.fetcher.FetchPublicKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: key service returned an empty set", ErrNoPublicKeys)
	}
	for _, k := range keys {
		if k.ID == "" || len(k.Key) != curve25519.PointSize {
			return fmt.Errorf("%w: public key %q", ErrInvalidKey, k.ID)
		}
	}
	s.keys.Store(&keys)

	s.logger.Info("refreshed public encryption keys", slog.Int("count", len(keys)))

	return nil
}

// Start refreshes the key cache every interval until ctx is done. Failed
// refreshes keep the previous keys.
func (s *EncryptionService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.RefreshKeys(ctx); err != nil {
				s.logger.Warn("failed to refresh public encryption keys", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *EncryptionService) Encrypt(plaintext, associatedData []byte) (Envelope, error) {
	keys := s.keys.Load()
	if keys == nil || len(*keys) == 0 {
		return Envelope{}, ErrNoPublicKeys
	}
	key := (*keys)[rand.IntN(len(*keys))]

	ct, err := HybridEncrypt(key.Key, plaintext, associatedData)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		KeyID:          key.ID,
		EncryptedData:  ct,
		AssociatedData: associatedData,
	}, nil
}
