// Package cryptotest wires a complete two-party key setup on httptest servers.
package cryptotest

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/crypto"
	"github.com/absmach/shuffler/pkg/crypto/keyservice"
	"github.com/stretchr/testify/require"
)

const (
	KEKURIA = "local://party-a"
	KEKURIB = "local://party-b"
)

type Rig struct {
	KeySet    keyservice.KeySet
	KMSA      *crypto.LocalKMS
	KMSB      *crypto.LocalKMS
	ServerA   *httptest.Server
	ServerB   *httptest.Server
	Encrypter *crypto.EncryptionService
	Decrypter *crypto.MultiPartyDecryptionService
}

func NewRig(t testing.TB, keys int) *Rig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kekA, err := crypto.GenerateKEK()
	require.NoError(t, err)
	kekB, err := crypto.GenerateKEK()
	require.NoError(t, err)
	kmsA, err := crypto.NewLocalKMS(map[string]string{KEKURIA: kekA})
	require.NoError(t, err)
	kmsB, err := crypto.NewLocalKMS(map[string]string{KEKURIB: kekB})
	require.NoError(t, err)

	ks, err := keyservice.Generate(keys, kmsA, KEKURIA, kmsB, KEKURIB)
	require.NoError(t, err)

	srvA := httptest.NewServer(keyservice.MakeHandler(ks, keyservice.PartyA))
	srvB := httptest.NewServer(keyservice.MakeHandler(ks, keyservice.PartyB))
	t.Cleanup(srvA.Close)
	t.Cleanup(srvB.Close)

	enc := crypto.NewEncryptionService(crypto.NewHTTPKeyFetcher(srvA.URL, time.Second), time.Hour, logger)
	require.NoError(t, enc.RefreshKeys(context.Background()))

	coordA := crypto.NewCoordinator(crypto.CoordinatorConfig{Name: "a", URL: srvA.URL, Timeout: time.Second, MaxRetries: 2, InitialBackoff: time.Millisecond}, kmsA, logger)
	coordB := crypto.NewCoordinator(crypto.CoordinatorConfig{Name: "b", URL: srvB.URL, Timeout: time.Second, MaxRetries: 2, InitialBackoff: time.Millisecond}, kmsB, logger)
	dec, err := crypto.NewMultiPartyDecryptionService(coordA, coordB, time.Minute)
	require.NoError(t, err)
	t.Cleanup(dec.Close)

	return &Rig{
		KeySet:    ks,
		KMSA:      kmsA,
		KMSB:      kmsB,
		ServerA:   srvA,
		ServerB:   srvB,
		Encrypter: enc,
		Decrypter: dec,
	}
}

// Seal produces the envelope bytes a client would upload for data.
func (r *Rig) Seal(t testing.TB, data []byte) []byte {
	t.Helper()
	out, err := crypto.SealPayload(r.Encrypter, data, nil)
	require.NoError(t, err)

	return out
}
