package crypto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/errgroup"
)

const defaultKeyCacheTTL = time.Hour

type Decrypter interface {
	Decrypt(ctx context.Context, env Envelope) ([]byte, error)
}

// MultiPartyDecryptionService reconstructs private keys from the splits held
// by two independent coordinators. Neither coordinator can decrypt alone.
type MultiPartyDecryptionService struct {
	partyA KeySplitFetcher
	partyB KeySplitFetcher
	cache  *ristretto.Cache[string, []byte]
	ttl    time.Duration
}

func NewMultiPartyDecryptionService(partyA, partyB KeySplitFetcher, cacheTTL time.Duration) (*MultiPartyDecryptionService, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultKeyCacheTTL
	}

	return &MultiPartyDecryptionService{
		partyA: partyA,
		partyB: partyB,
		cache:  cache,
		ttl:    cacheTTL,
	}, nil
}

func (s *MultiPartyDecryptionService) Decrypt(ctx context.Context, env Envelope) ([]byte, error) {
	private, err := s.privateKey(ctx, env.KeyID)
	if err != nil {
		return nil, err
	}

	return HybridDecrypt(private, env.EncryptedData, env.AssociatedData)
}

func (s *MultiPartyDecryptionService) privateKey(ctx context.Context, keyID string) ([]byte, error) {
	if key, ok := s.cache.Get(keyID); ok {
		return key, nil
	}

	var splitA, splitB []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		splitA, err = s.partyA.FetchKeySplit(gctx, keyID)

		return err
	})
	g.Go(func() error {
		var err error
		splitB, err = s.partyB.FetchKeySplit(gctx, keyID)

		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	private, err := CombineSplits(splitA, splitB)
	if err != nil {
		return nil, &KeyFetchError{Coordinator: "combined", KeyID: keyID, Reason: KeyDecryptionError, Err: err}
	}
	s.cache.SetWithTTL(keyID, private, 1, s.ttl)
	s.cache.Wait()

	return private, nil
}

func (s *MultiPartyDecryptionService) Close() {
	s.cache.Close()
}
