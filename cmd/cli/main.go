package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/absmach/shuffler"
	"github.com/absmach/shuffler/cli"
	"github.com/absmach/shuffler/internal/app"
	"github.com/absmach/shuffler/scheduler"
	"github.com/spf13/cobra"
)

func main() {
	var (
		cfgPath  string
		backends *app.Backends
	)

	rootCmd := &cobra.Command{
		Use:   "shuffler-cli",
		Short: "Shuffler CLI",
		Long:  `Shuffler CLI is a command line interface for operating Shuffler aggregation tasks.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shuffler.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			bcfg := app.BackendsConfig{RedisURL: cfg.RedisURL, Storage: cfg.Storage, Lock: cfg.Lock}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			backends, err = bcfg.Open(cmd.Context(), app.Needs{Store: true}, logger)
			if err != nil {
				return err
			}
			cli.SetAdmin(scheduler.NewAdmin(backends.Repos, backends.Locks, scheduler.Config{LockTTL: cfg.Lock.TTL}, nil))

			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.toml", "Config file")

	rootCmd.AddCommand(cli.NewTasksCmd())

	// Key commands need no backend.
	keysCmd := cli.NewKeysCmd()
	keysCmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }
	rootCmd.AddCommand(keysCmd)

	err := rootCmd.Execute()
	if backends != nil {
		if cerr := backends.Close(); cerr != nil {
			log.Println(cerr)
		}
	}
	if err != nil {
		log.Fatal(err)
	}
}
