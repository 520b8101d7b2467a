package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Salah1221/signalhub/internal/blob"
	"github.com/Salah1221/signalhub/internal/config"
	"github.com/Salah1221/signalhub/internal/dispatch"
	"github.com/Salah1221/signalhub/internal/httpapi"
	"github.com/Salah1221/signalhub/internal/hub"
	"github.com/Salah1221/signalhub/internal/invoke"
	"github.com/Salah1221/signalhub/internal/metrics"
	"github.com/Salah1221/signalhub/internal/pending"
	"github.com/Salah1221/signalhub/internal/registry"
	"github.com/Salah1221/signalhub/internal/subscribers"
	logsub "github.com/Salah1221/signalhub/internal/subscribers/logging"
	"github.com/Salah1221/signalhub/internal/subscribers/webhook"
)

func main() {
	root := &cobra.Command{
		Use:           "signalhub",
		Short:         "Bidirectional real-time RPC hub for web clients",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	logger := log.New(os.Stdout, "signalhub ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize registry store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	reg := registry.New(logger, store, registry.Options{
		StaleAge:         cfg.StaleAge,
		AutoPurgeOffline: cfg.AutoPurgeOffline,
		TrackUserAgent:   cfg.TrackUserAgent,
		BroadcastEvents:  cfg.BroadcastConnectionEvents,
	})

	blobs, err := openBlobStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize blob store: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	hubMetrics := metrics.New(promRegistry)

	table := pending.NewTable()
	transport := hub.New(logger, reg, table, hub.HeaderAuthenticator{}, hub.Options{
		EventMethod:    cfg.ConnectionEventMethod,
		TrackUserAgent: cfg.TrackUserAgent,
	})
	transport.SetMetrics(hubMetrics)

	subs := []subscribers.Subscriber{logsub.New(logger)}
	for idx, webhookURL := range cfg.WebhookURLs {
		name := fmt.Sprintf("webhook-%d", idx+1)
		subs = append(subs, webhook.New(name, webhookURL, logger))
	}
	transport.SetEventObserver(dispatch.New(logger, subs))

	invoker := invoke.New(logger, transport, reg, table, blobs, invoke.Options{
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		RequestTimeout:        cfg.RequestTimeout,
		SemaphoreTimeout:      cfg.SemaphoreTimeout,
		TempFolder:            cfg.TempFolder,
		AutoDeleteTempFiles:   cfg.AutoDeleteTempFiles,
	})
	invoker.SetMetrics(hubMetrics)

	httpServer := httpapi.NewServer(logger, cfg.HTTPAddr, transport, reg, invoker, promRegistry)

	var blobServer *http.Server
	if strings.TrimSpace(cfg.BlobHTTPAddr) != "" {
		dirStore, err := blob.NewDirStore(cfg.BlobDir)
		if err != nil {
			return fmt.Errorf("initialize blob service store: %w", err)
		}
		e := blob.NewServer(logger, dirStore)
		blobServer = &http.Server{
			Addr:              cfg.BlobHTTPAddr,
			Handler:           e,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepLoop(ctx, logger, reg, hubMetrics, cfg.StaleAge)

	errCh := make(chan error, 2)
	go func() {
		logger.Printf("hub listening addr=%s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("hub server: %w", err)
		}
	}()
	if blobServer != nil {
		go func() {
			logger.Printf("blob service listening addr=%s", cfg.BlobHTTPAddr)
			if err := blobServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("blob server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("hub server shutdown error: %v", err)
	}
	if blobServer != nil {
		if err := blobServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("blob server shutdown error: %v", err)
		}
	}
	return nil
}

// sweepLoop evicts stale rows on a fraction of the staleness horizon so
// crashed connections do not linger between opens, and refreshes the
// connected-users gauge.
func sweepLoop(ctx context.Context, logger *log.Logger, reg *registry.Registry, m *metrics.Metrics, staleAge time.Duration) {
	interval := staleAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := reg.SweepStale(ctx)
			if err != nil {
				logger.Printf("stale sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.Printf("stale sweep removed=%d", removed)
			}
			// The connections gauge is maintained by the hub.
			if users, err := reg.CountUsers(ctx); err == nil {
				m.ConnectedUsers.Set(float64(users))
			}
		}
	}
}

func openStore(cfg config.Config) (registry.ConnectionStore, error) {
	switch strings.ToLower(cfg.RegistryBackend) {
	case "gorm":
		return registry.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	case "memory":
		return registry.NewMemoryStore(), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return registry.NewRedisStore(rdb), nil
	}
	return nil, fmt.Errorf("unsupported registry backend %q", cfg.RegistryBackend)
}

func openBlobStore(cfg config.Config) (blob.Store, error) {
	switch strings.ToLower(cfg.BlobBackend) {
	case "dir":
		return blob.NewDirStore(cfg.BlobDir)
	case "http":
		return blob.NewHTTPStore(cfg.BlobBaseURL)
	}
	return nil, fmt.Errorf("unsupported blob backend %q", cfg.BlobBackend)
}
