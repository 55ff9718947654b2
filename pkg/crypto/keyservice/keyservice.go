// Package keyservice serves public keys and per-party key splits for local
// development and tests.
package keyservice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/absmach/shuffler/pkg/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Party string

const (
	PartyA Party = "a"
	PartyB Party = "b"
)

type Key struct {
	ID     string `json:"id"`
	Public []byte `json:"public"`
	SplitA []byte `json:"split_a"`
	SplitB []byte `json:"split_b"`
}

// KeySet holds key pairs whose private halves are split between two
// parties, each share wrapped by that party's KEK.
type KeySet struct {
	KEKURIA string `json:"kek_uri_a"`
	KEKURIB string `json:"kek_uri_b"`
	Keys    []Key  `json:"keys"`
}

type Wrapper interface {
	Wrap(kekURI string, plaintext []byte) ([]byte, error)
}

func Generate(n int, wrapA Wrapper, uriA string, wrapB Wrapper, uriB string) (KeySet, error) {
	ks := KeySet{KEKURIA: uriA, KEKURIB: uriB}
	for range n {
		pub, priv, err := crypto.GenerateKeyPair()
		if err != nil {
			return KeySet{}, err
		}
		a, b, err := crypto.SplitKey(priv)
		if err != nil {
			return KeySet{}, err
		}
		wa, err := wrapA.Wrap(uriA, a)
		if err != nil {
			return KeySet{}, err
		}
		wb, err := wrapB.Wrap(uriB, b)
		if err != nil {
			return KeySet{}, err
		}
		ks.Keys = append(ks.Keys, Key{ID: uuid.NewString(), Public: pub, SplitA: wa, SplitB: wb})
	}

	return ks, nil
}

func Load(path string) (KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeySet{}, fmt.Errorf("error reading key set: %w", err)
	}
	var ks KeySet
	if err := json.Unmarshal(data, &ks); err != nil {
		return KeySet{}, fmt.Errorf("error parsing key set: %w", err)
	}

	return ks, nil
}

func (ks KeySet) Save(path string) error {
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (ks KeySet) PublicKeys() crypto.PublicKeySet {
	set := crypto.PublicKeySet{Keys: make([]crypto.PublicKey, 0, len(ks.Keys))}
	for _, k := range ks.Keys {
		set.Keys = append(set.Keys, crypto.PublicKey{ID: k.ID, Key: k.Public})
	}

	return set
}

// MakeHandler exposes the public key list and party's key splits.
func MakeHandler(ks KeySet, party Party) http.Handler {
	r := chi.NewRouter()

	r.Get("/publicKeys", func(w http.ResponseWriter, _ *http.Request) {
		encode(w, http.StatusOK, ks.PublicKeys())
	})

	r.Get("/encryptionKeys/{keyID}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "keyID")
		for _, k := range ks.Keys {
			if k.ID != id {
				continue
			}
			resp := crypto.KeySplitResponse{KeyID: k.ID, KeyEncryptionKeyURI: ks.KEKURIA, KeyMaterial: k.SplitA}
			if party == PartyB {
				resp.KeyEncryptionKeyURI = ks.KEKURIB
				resp.KeyMaterial = k.SplitB
			}
			encode(w, http.StatusOK, resp)

			return
		}
		http.Error(w, "key not found", http.StatusNotFound)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func encode(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
