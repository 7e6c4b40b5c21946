package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/chunkcache"
	"github.com/ossianhanning/aio-rdb-vfs/internal/chunkstore"
	"github.com/ossianhanning/aio-rdb-vfs/internal/compatapi"
	"github.com/ossianhanning/aio-rdb-vfs/internal/config"
	"github.com/ossianhanning/aio-rdb-vfs/internal/debridclient"
	"github.com/ossianhanning/aio-rdb-vfs/internal/mergedview"
	"github.com/ossianhanning/aio-rdb-vfs/internal/metrics"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/mount"
	"github.com/ossianhanning/aio-rdb-vfs/internal/namespace"
	"github.com/ossianhanning/aio-rdb-vfs/internal/reconcile"
	"github.com/ossianhanning/aio-rdb-vfs/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var flags = config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Mount the merged virtual filesystem and run the compat API and reconciliation loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = mergeFlagOverrides(loaded, cmd, flags)
			}
			return runServe(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	f.StringVar(&flags.CacheRoot, "cache-root", flags.CacheRoot, "chunk cache directory")
	f.StringVar(&flags.StoreRoot, "store-root", flags.StoreRoot, "persisted container descriptor directory")
	f.StringVar(&flags.LocalOverlayDir, "local-dir", flags.LocalOverlayDir, "local read/write overlay directory")
	f.StringVar(&flags.MountPoint, "mount", flags.MountPoint, "mount point for the merged filesystem")
	f.StringVar(&flags.CompatAPIAddr, "compat-api-addr", flags.CompatAPIAddr, "listen address for the compat HTTP API")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", flags.MetricsAddr, "listen address for the Prometheus /metrics endpoint")
	f.StringVar(&flags.DebridAPIKey, "debrid-api-key", flags.DebridAPIKey, "upstream debrid-style provider API key")
	f.StringVar(&flags.DebridBaseURL, "debrid-base-url", flags.DebridBaseURL, "upstream debrid-style provider base URL")
	f.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level (debug, info, warn, error)")
	f.Int64Var(&flags.ChunkSize, "chunk-size", flags.ChunkSize, "chunk size in bytes")
	f.Int64Var(&flags.MaxCacheSize, "max-cache-size", flags.MaxCacheSize, "eviction target upper bound in bytes")
	f.BoolVar(&flags.FUSEDebug, "fuse-debug", flags.FUSEDebug, "enable go-fuse debug logging")

	return cmd
}

// mergeFlagOverrides applies any cobra flag the user actually set on
// top of a file-loaded config, so "--config x.yaml --mount /other"
// behaves the way a cobra/pflag CLI is expected to.
func mergeFlagOverrides(loaded config.Config, cmd *cobra.Command, flagDefaults config.Config) config.Config {
	f := cmd.Flags()
	if f.Changed("cache-root") {
		loaded.CacheRoot = flagDefaults.CacheRoot
	}
	if f.Changed("store-root") {
		loaded.StoreRoot = flagDefaults.StoreRoot
	}
	if f.Changed("local-dir") {
		loaded.LocalOverlayDir = flagDefaults.LocalOverlayDir
	}
	if f.Changed("mount") {
		loaded.MountPoint = flagDefaults.MountPoint
	}
	if f.Changed("compat-api-addr") {
		loaded.CompatAPIAddr = flagDefaults.CompatAPIAddr
	}
	if f.Changed("metrics-addr") {
		loaded.MetricsAddr = flagDefaults.MetricsAddr
	}
	if f.Changed("debrid-api-key") {
		loaded.DebridAPIKey = flagDefaults.DebridAPIKey
	}
	if f.Changed("debrid-base-url") {
		loaded.DebridBaseURL = flagDefaults.DebridBaseURL
	}
	if f.Changed("log-level") {
		loaded.LogLevel = flagDefaults.LogLevel
	}
	if f.Changed("chunk-size") {
		loaded.ChunkSize = flagDefaults.ChunkSize
	}
	if f.Changed("max-cache-size") {
		loaded.MaxCacheSize = flagDefaults.MaxCacheSize
	}
	if f.Changed("fuse-debug") {
		loaded.FUSEDebug = flagDefaults.FUSEDebug
	}
	return loaded
}

func runServe(cfg config.Config) error {
	if err := applog.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	cstore, err := chunkstore.New(cfg.CacheRoot)
	if err != nil {
		return err
	}
	if fileCount, chunkCount, totalBytes, err := cstore.Scan(); err != nil {
		return fmt.Errorf("chunkstore: startup scan: %w", err)
	} else {
		applog.Infof("main", "chunk cache restored: %d files, %d chunks, %d bytes", fileCount, chunkCount, totalBytes)
	}

	debridProv := debridclient.New(cfg.DebridBaseURL, cfg.DebridAPIKey, cfg.RequestTimeout(), cfg.DebridRequestsPerSecond)

	cache := chunkcache.New(cstore, debridProv, chunkcache.Options{
		ChunkSize:                cfg.ChunkSize,
		MaxCacheSize:             cfg.MaxCacheSize,
		ReadaheadTriggerPosition: cfg.ReadaheadTriggerPosition,
		MaxConcurrentDownloads:   cfg.MaxTotalConcurrentDownloads,
		MaxRetries:               cfg.MaxRetries,
		RetryBaseDelay:           cfg.RetryBaseDelay(),
		RequestTimeout:           cfg.RequestTimeout(),
		EvictionCheckInterval:    5 * time.Minute,
	})

	ns := namespace.New()

	persisted, err := store.New(cfg.StoreRoot)
	if err != nil {
		return err
	}
	persisted.Subscribe(func(container *model.Container, file *model.File) {
		if file.LocalPath == "" {
			return
		}
		if err := ns.DeleteFile(file.LocalPath); err != nil {
			applog.Errorf("main", "external delete %s: %v", file.LocalPath, err)
		}
	})
	if err := persisted.Watch(); err != nil {
		return fmt.Errorf("store: watch: %w", err)
	}
	defer persisted.Close()

	controller := reconcile.New(cfg, debridProv, persisted, ns, cache)
	if err := controller.Bootstrap(); err != nil {
		return fmt.Errorf("reconcile: bootstrap: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller.Start(ctx)
	defer controller.Stop()

	view, err := mergedview.New(cfg.LocalOverlayDir, ns, cache)
	if err != nil {
		return err
	}

	fuseServer, err := mount.Mount(cfg.MountPoint, view, cfg.FUSEDebug)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	applog.Infof("main", "mounted at %s", cfg.MountPoint)

	compatHTTP := &http.Server{Addr: cfg.CompatAPIAddr, Handler: compatapi.New(controller, cfg.DebridHost).Router()}
	go func() {
		if err := compatHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			applog.Errorf("main", "compat API server: %v", err)
		}
	}()
	applog.Infof("main", "compat API listening on %s", cfg.CompatAPIAddr)

	metricsHTTP := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(cache)}
	go func() {
		if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			applog.Errorf("main", "metrics server: %v", err)
		}
	}()
	applog.Infof("main", "metrics listening on %s", cfg.MetricsAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	applog.Infof("main", "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	compatHTTP.Shutdown(shutdownCtx)
	metricsHTTP.Shutdown(shutdownCtx)

	if err := fuseServer.Unmount(); err != nil {
		applog.Errorf("main", "unmount %s: %v", cfg.MountPoint, err)
	}
	return nil
}
