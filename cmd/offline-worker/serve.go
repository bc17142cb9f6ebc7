package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offline "github.com/infracollect/offline-worker"
	"github.com/infracollect/offline-worker/internal/server"
	"github.com/infracollect/offline-worker/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker in front of an origin",
		Long: `Installs and activates the configured cache generation, then serves HTTP:
every GET is answered cache-first from the worker, other requests are proxied
to the origin (the configured scope).

Control routes:
  POST /__worker/message     JSON message to the worker, e.g. "SKIP_WAITING"
  POST /__worker/sync/{tag}  fire a background sync
  GET  /__worker/clients     server-sent event stream of client messages
  GET  /metrics              Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context())
		},
	}

	cmd.Flags().String("listen", "", "listen address (default :8080)")
	cmd.Flags().String("scope", "", "origin URL the worker controls")
	return cmd
}

func (c *cli) runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := c.settings
	logger := c.logger

	tp, shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "offline-worker",
		ServiceVersion: s.Version,
		Endpoint:       s.OTel.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error(err, "failed to flush traces")
		}
	}()

	storage, closeStorage, err := openStorage(ctx, s.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStorage()

	fetchTimeout, err := time.ParseDuration(s.FetchTimeout)
	if err != nil {
		return fmt.Errorf("failed to parse fetch timeout: %w", err)
	}

	origin, err := url.Parse(s.Scope)
	if err != nil {
		return fmt.Errorf("failed to parse scope: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	w, err := offline.New(s.workerConfig(),
		offline.WithLogger(logger.WithName("worker")),
		offline.WithStorage(storage),
		offline.WithHTTPClient(&http.Client{Timeout: fetchTimeout}),
		offline.WithMetrics(offline.NewMetrics(promReg)),
		offline.WithTracerProvider(tp),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	reg := offline.NewRegistration(nil, logger.WithName("registration"))
	if err := reg.Register(ctx, w); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	srv := server.New(server.Config{
		Origin:       origin,
		Registration: reg,
		Gatherer:     promReg,
		Logger:       logger.WithName("server"),
	})
	httpServer := &http.Server{
		Addr:              s.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when the process is asked to stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("serving", "listen", s.Listen, "origin", origin.String(), "generation", w.Generation().String())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return srv.Drain(shutdownCtx)
}
