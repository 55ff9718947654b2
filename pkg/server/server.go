// Package server runs the small HTTP surface every service exposes:
// /health and /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const stopWaitTime = 5 * time.Second

type Config struct {
	Host string `env:"HOST" envDefault:"localhost"`
	Port string `env:"PORT" envDefault:""`
}

type Server struct {
	name    string
	address string
	server  *http.Server
	logger  *slog.Logger
	cancel  context.CancelFunc
}

func NewServer(ctx context.Context, cancel context.CancelFunc, name string, cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	address := net.JoinHostPort(cfg.Host, cfg.Port)

	return &Server{
		name:    name,
		address: address,
		server: &http.Server{
			Addr:              address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		logger: logger,
		cancel: cancel,
	}
}

func (s *Server) Start() error {
	s.logger.Info(fmt.Sprintf("%s service http server listening at %s", s.name, s.address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.cancel()

		return err
	}

	return nil
}

func (s *Server) Stop() error {
	defer s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), stopWaitTime)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error(fmt.Sprintf("%s service http server error occurred during shutdown at %s: %s", s.name, s.address, err))

		return fmt.Errorf("%s service http server error occurred during shutdown at %s: %w", s.name, s.address, err)
	}
	s.logger.Info(fmt.Sprintf("%s service http server shutdown at %s", s.name, s.address))

	return nil
}

// MakeHandler serves the health report and the Prometheus registry.
func MakeHandler(svcName, instanceID string) http.Handler {
	mux := chi.NewRouter()
	mux.Get("/health", otelhttp.NewHandler(healthHandler(svcName, instanceID), "health").ServeHTTP)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

type healthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	InstanceID string `json:"instance_id"`
}

func healthHandler(svcName, instanceID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/health+json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "pass", Service: svcName, InstanceID: instanceID})
	})
}

// StopSignalHandler stops the servers on SIGINT or SIGTERM, or returns when
// ctx is canceled.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, svcName string, servers ...*Server) error {
	var err error
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		defer cancel()
		for _, s := range servers {
			err = errors.Join(err, s.Stop())
		}
		logger.Info(fmt.Sprintf("%s service shutdown by signal: %s", svcName, sig))

		return err
	case <-ctx.Done():
		for _, s := range servers {
			err = errors.Join(err, s.Stop())
		}

		return err
	}
}
