// Command keyservice serves a local key set for development: the public key
// list plus one key split endpoint per coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/absmach/shuffler/internal/app"
	"github.com/absmach/shuffler/pkg/crypto"
	"github.com/absmach/shuffler/pkg/crypto/keyservice"
	"github.com/absmach/shuffler/pkg/server"
	"golang.org/x/sync/errgroup"
)

const (
	svcName = "keyservice"
	defPort = "7001"
)

type envConfig struct {
	app.Config
	ServerB  server.Config `envPrefix:"HTTP_B_"`
	KeysFile string        `env:"KEYS_FILE" envDefault:"./data/keys.json"`
	NumKeys  int           `env:"NUM_KEYS"  envDefault:"3"`
	KEKURIA  string        `env:"KEK_URI_A" envDefault:"local://party-a"`
	KEKA     string        `env:"KEK_A"`
	KEKURIB  string        `env:"KEK_URI_B" envDefault:"local://party-b"`
	KEKB     string        `env:"KEK_B"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	cfg := envConfig{}
	if err := app.Parse(&cfg, "KEYSERVICE_"); err != nil {
		log.Fatal(err)
	}
	logger, err := cfg.Setup(svcName, defPort)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.ServerB.Port == "" {
		cfg.ServerB.Port = "7002"
	}

	ks, err := loadKeys(cfg, logger)
	if err != nil {
		logger.Error("failed to load key set", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hsA := server.NewServer(ctx, cancel, svcName+"-a", cfg.Server, keyservice.MakeHandler(ks, keyservice.PartyA), logger)
	hsB := server.NewServer(ctx, cancel, svcName+"-b", cfg.ServerB, keyservice.MakeHandler(ks, keyservice.PartyB), logger)

	g.Go(func() error {
		return hsA.Start()
	})
	g.Go(func() error {
		return hsB.Start()
	})
	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hsA, hsB)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))
	}
}

// loadKeys reads the key file, generating and saving a new set when it does
// not exist yet.
func loadKeys(cfg envConfig, logger *slog.Logger) (keyservice.KeySet, error) {
	ks, err := keyservice.Load(cfg.KeysFile)
	if err == nil {
		return ks, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return keyservice.KeySet{}, err
	}
	if cfg.KEKA == "" || cfg.KEKB == "" {
		return keyservice.KeySet{}, fmt.Errorf("%s not found and KEK_A/KEK_B are not set", cfg.KeysFile)
	}

	kmsA, err := crypto.NewLocalKMS(map[string]string{cfg.KEKURIA: cfg.KEKA})
	if err != nil {
		return keyservice.KeySet{}, err
	}
	kmsB, err := crypto.NewLocalKMS(map[string]string{cfg.KEKURIB: cfg.KEKB})
	if err != nil {
		return keyservice.KeySet{}, err
	}
	ks, err = keyservice.Generate(cfg.NumKeys, kmsA, cfg.KEKURIA, kmsB, cfg.KEKURIB)
	if err != nil {
		return keyservice.KeySet{}, err
	}
	if err := ks.Save(cfg.KeysFile); err != nil {
		return keyservice.KeySet{}, err
	}
	logger.Info("generated key set", slog.String("file", cfg.KeysFile), slog.Int("keys", len(ks.Keys)))

	return ks, nil
}
