// crobridge-server runs the submission lifecycle API.
//
// Configuration comes from the environment:
//
//	CROBRIDGE_LISTEN_ADDR          listen address (default :8080)
//	CROBRIDGE_STORE_DRIVER         memory|sqlite (default memory)
//	CROBRIDGE_SQLITE_PATH          sqlite file (default crobridge.db)
//	CROBRIDGE_LEDGER_DRIVER        memory|postgres (memory-store only)
//	CROBRIDGE_DATABASE_URL         postgres DSN for the audit ledger
//	CROBRIDGE_WEBHOOK_SECRET       HMAC secret for signature callbacks
//	CROBRIDGE_SIGNATURE_BASE_URL   e-signature provider endpoint
//	CROBRIDGE_SIGNATURE_API_KEY    e-signature provider credential
//	CROBRIDGE_SIGNATURE_TTL        expire pending signature requests older
//	                               than this duration (sweep disabled if unset)
//	CROBRIDGE_BLOB_DRIVER          memory|fs|s3 plus driver-specific vars
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crobridge/internal/blob"
	"crobridge/internal/core"
	"crobridge/internal/httpapi"
	"crobridge/internal/infra/persistence/postgres"
	"crobridge/internal/infra/persistence/sqlite"
	"crobridge/internal/ledger"
	"crobridge/internal/notify"
	"crobridge/internal/signature"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slogger)
	logger := core.NewSlogLogger(slogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// sweepStaleSignatures expires signature requests that outlived the TTL.
func sweepStaleSignatures(ctx context.Context, svc *core.Service, ttl time.Duration, logger core.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireStaleDocuments(ctx, time.Now().UTC().Add(-ttl))
			if err != nil {
				logger.Warn("signature expiry sweep", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stale signature requests", "count", n)
			}
		}
	}
}

func run(ctx context.Context, logger core.Logger) error {
	var (
		store   core.Store
		led     ledger.Ledger
		closers []func() error
	)

	switch driver := strings.ToLower(os.Getenv("CROBRIDGE_STORE_DRIVER")); driver {
	case "sqlite":
		st, err := sqlite.Open(os.Getenv("CROBRIDGE_SQLITE_PATH"))
		if err != nil {
			return err
		}
		closers = append(closers, st.Close)
		store, led = st, st.Ledger()
		logger.Info("using sqlite store", "path", st.Path())
	case "memory", "":
		store = core.NewMemoryStore()
		led = ledger.NewMemory()
		if strings.EqualFold(os.Getenv("CROBRIDGE_LEDGER_DRIVER"), "postgres") {
			pg, err := postgres.Open(ctx, os.Getenv("CROBRIDGE_DATABASE_URL"))
			if err != nil {
				return err
			}
			closers = append(closers, func() error { pg.Close(); return nil })
			led = pg
			logger.Info("using postgres audit ledger")
		}
	default:
		return fmt.Errorf("unknown store driver %q", driver)
	}
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("close", "error", err)
			}
		}
	}()

	blobs, err := blob.Open(ctx)
	if err != nil {
		return err
	}
	logger.Info("using blob store", "driver", blobs.Driver())

	var provider signature.Provider
	if base := os.Getenv("CROBRIDGE_SIGNATURE_BASE_URL"); base != "" {
		provider = signature.NewHTTPProvider(base, os.Getenv("CROBRIDGE_SIGNATURE_API_KEY"))
		logger.Info("using e-signature provider", "base_url", base)
	} else {
		provider = signature.NewFake()
		logger.Warn("no signature provider configured, using in-process fake")
	}

	pump := notify.NewAsyncPump(notify.DispatcherFunc(func(_ context.Context, event core.TransitionEvent) error {
		logger.Info("transition",
			"submission_id", event.SubmissionID,
			"action", event.Action,
			"from", event.From,
			"to", event.To,
			"actor", event.Actor.ID)
		return nil
	}), 256, 3, 100*time.Millisecond)
	defer pump.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := core.NewPrometheusMetricsRecorder(reg)

	svc := core.NewService(store, led,
		core.WithSignatureProvider(provider),
		core.WithDispatcher(pump),
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
	)

	if ttl := os.Getenv("CROBRIDGE_SIGNATURE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("CROBRIDGE_SIGNATURE_TTL: %w", err)
		}
		go sweepStaleSignatures(ctx, svc, d, logger)
		logger.Info("signature expiry sweep enabled", "ttl", d.String())
	}

	secret := os.Getenv("CROBRIDGE_WEBHOOK_SECRET")
	if secret == "" {
		logger.Warn("CROBRIDGE_WEBHOOK_SECRET not set, signature webhooks will be rejected")
	}
	handler := httpapi.NewHandler(svc,
		httpapi.WithBlobStore(blobs),
		httpapi.WithWebhookSecret(secret),
		httpapi.WithLogger(logger),
	)

	router := handler.Router()
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := os.Getenv("CROBRIDGE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
