// Spins up the ttlkv server: an expiring key-value store compatible w/ the Redis protocol.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/ttlkv/pkg/cache"
	"github.com/nobletooth/ttlkv/pkg/config"
	"github.com/nobletooth/ttlkv/pkg/port"
	"github.com/nobletooth/ttlkv/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	purgeInterval  = flag.Duration("purge_interval", 30*time.Second, "How often expired keys are removed from memory.")
	metricsAddress = flag.String("metrics_address", ":9090",
		"The ip:port serving Prometheus metrics on /metrics; empty disables it.")
)

const shutdownTimeout = 5 * time.Second

// serveMetrics exposes the default Prometheus registry until `ctx` is done.
func serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: *metricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serverErrSignal := make(chan error, 1)
	go func() {
		slog.Info("Serving metrics.", "address", *metricsAddress)
		serverErrSignal <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
		return nil
	case err := <-serverErrSignal:
		return fmt.Errorf("metrics server stopped unexpectedly: %w", err)
	}
}

// run serves ttlkv until `ctx` is done or one of its parts fails.
func run(ctx context.Context) error {
	kv, err := cache.NewTTL[string, []byte]("kv")
	if err != nil {
		return fmt.Errorf("failed to create the key-value cache: %w", err)
	}
	backend, err := port.NewBackend(kv)
	if err != nil {
		return fmt.Errorf("failed to create the backend: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	purgeLoop, err := kv.StartPurging(groupCtx, *purgeInterval)
	if err != nil {
		return fmt.Errorf("failed to start purging: %w", err)
	}

	group.Go(func() error {
		<-purgeLoop.Done()
		if err := purgeLoop.Err(); err != nil {
			return fmt.Errorf("purge loop stopped: %w", err)
		}
		return nil
	})
	group.Go(func() error { return port.RunRedisServer(groupCtx, backend) })
	if *metricsAddress != "" {
		group.Go(func() error { return serveMetrics(groupCtx) })
	}

	return group.Wait()
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("ttlkv build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("ttlkv server stopped.", "error", err, "uptime", utils.Uptime())
		stop()
		os.Exit(1)
	}
	slog.Info("ttlkv server stopped.", "uptime", utils.Uptime())
}
