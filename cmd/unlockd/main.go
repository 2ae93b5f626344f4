// Command unlockd runs the local licensing daemon: it loads the persisted
// unlock state for the configured product and serves the activation API the
// product UI talks to.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"unlockd/internal/config"
	"unlockd/internal/infrastructure"
	"unlockd/internal/license"
	"unlockd/internal/security"
	"unlockd/internal/store"
	transport "unlockd/internal/transport/http"
)

// stateSalt binds sealed state files to this product's daemon. Not a secret;
// it keeps a state file from one product from being fed to another.
var stateSalt = []byte("unlockd-state-v1-f3a9c1e7d5b24860")

// product adapts the configured identity to the license.Product capability.
type product struct {
	id  string
	key *rsa.PublicKey
}

func (p *product) ProductID() string         { return p.id }
func (p *product) PublicKey() *rsa.PublicKey { return p.key }

func main() {
	if err := run(); err != nil {
		slog.Error("daemon failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer infrastructure.CloseLogFile()

	providers, err := infrastructure.InitializeOTel(cfg.Licensing.Version, logger)
	if err != nil {
		return err
	}
	defer providers.Shutdown(context.Background())

	metrics, err := license.NewMetrics(providers.Meter)
	if err != nil {
		return err
	}

	publicKey, err := security.LoadPublicKey(cfg.Licensing.PublicKeyPath)
	if err != nil {
		return err
	}

	stateStore, err := store.NewFileStore(cfg.Licensing.StateFile, stateSalt, logger)
	if err != nil {
		return err
	}

	status, err := license.New(
		&product{id: cfg.Licensing.ProductID, key: publicKey},
		license.Options{
			ServerURL:   cfg.Licensing.ServerURL,
			WebsiteName: cfg.Licensing.WebsiteName,
			Fetcher:     license.NewHTTPFetcher(cfg.Licensing.FetchTimeout),
			Store:       stateStore,
			Logger:      logger,
			Metrics:     metrics,
			Version:     cfg.Licensing.Version,
			OS:          runtime.GOOS,
		},
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status.Load(ctx)
	logger.InfoContext(ctx, "license state loaded",
		slog.String("product", cfg.Licensing.ProductID),
		slog.Bool("unlocked", status.IsUnlocked()),
		slog.String("state_file", stateStore.Path()),
	)

	var throttle *license.Throttle
	if *cfg.Throttle.Enabled {
		throttle = license.NewThrottle(cfg.Throttle.RPS, cfg.Throttle.Burst)
		defer throttle.Stop()
	}

	handler := transport.NewLicenseHandler(status, throttle, logger)
	router := transport.NewRouter(handler, providers.PrometheusHTTP, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "licensing daemon listening",
			slog.String("addr", cfg.Server.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Capture any email/state changes made during the session.
	status.Save(shutdownCtx)
	return nil
}
