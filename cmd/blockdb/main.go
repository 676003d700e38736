// Package main is the entry point for the blockdb daemon.
//
// blockdb keeps the block store of every configured tenant in one SQLite
// database. The daemon installs each tenant's element definitions, reloads
// them when their files change, runs the garbage collector and exposes
// Prometheus metrics. Configuration is read from CLI flags and config.jsonc.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/blockdb/internal/config"
	"github.com/maruel/blockdb/internal/elements"
	"github.com/maruel/blockdb/internal/gc"
	"github.com/maruel/blockdb/internal/href"
	"github.com/maruel/blockdb/internal/metrics"
	"github.com/maruel/blockdb/internal/schema"
	"github.com/maruel/blockdb/internal/sqlitedb"
	"github.com/maruel/blockdb/internal/store"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "blockdb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	dataDir := flag.String("data-dir", "./data", "Data directory")
	configPath := flag.String("config", "", "Configuration file (default <data-dir>/config.jsonc)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	metricsAddr := flag.String("metrics", "localhost:9464", "Address serving /metrics; empty disables it")
	gcOnce := flag.Bool("gc-once", false, "Run the garbage collector once and exit")
	exportTo := flag.String("export", "", "Export a tenant as <tenant>:<file> and exit")
	importFrom := flag.String("import", "", "Import a tenant from <tenant>:<file> and exit")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if *configPath == "" {
		*configPath = filepath.Join(*dataDir, "config.jsonc")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	pool, err := sqlitedb.Open(sqlitedb.Config{Path: filepath.Join(*dataDir, "blockdb.db")})
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			slog.ErrorContext(ctx, "Failed to close database", "err", err)
		}
	}()

	registry := schema.NewRegistry(m)
	src := &elements.DirSource{Dirs: cfg.ElementDirs(filepath.Dir(*configPath))}
	for _, tenant := range src.Tenants() {
		if _, err := elements.Install(ctx, registry, src, tenant); err != nil {
			return fmt.Errorf("failed to load elements of %s: %w", tenant, err)
		}
	}

	var inspector href.Inspector
	if cfg.Inspector.Endpoint != "" {
		h, err := href.NewHTTPInspector(cfg.Inspector.Endpoint, cfg.Inspector.RatePerSec, cfg.Inspector.Burst)
		if err != nil {
			return err
		}
		inspector = h
	}
	tracker := href.NewTracker(pool, href.Options{
		Inspector: inspector,
		Domain: func(tenant string) string {
			t, _ := cfg.Tenant(tenant)
			return t.Domain
		},
		Metrics: m,
	})
	rootTypes := cfg.RootTypes
	if rootTypes == nil {
		rootTypes = store.DefaultRootTypes
	}
	var releaser gc.Releaser
	if cfg.Uploads.Dir != "" {
		releaser = &gc.FileReleaser{Dir: cfg.Uploads.Dir, Prefix: cfg.Uploads.Prefix}
	}
	collector := gc.NewCollector(pool, registry, tracker, gc.Options{
		RootTypes: rootTypes,
		Releaser:  releaser,
		Metrics:   m,
	})

	blocks := store.New(pool, registry, tracker, store.Options{RootTypes: rootTypes, Metrics: m})
	if *exportTo != "" {
		return exportTenant(ctx, blocks, *exportTo)
	}
	if *importFrom != "" {
		return importTenant(ctx, blocks, *importFrom)
	}

	if *gcOnce {
		res, err := collector.Run(ctx, cfg.GC.BlockDays, cfg.GC.HrefDays)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d blocks and %d hrefs\n", res.BlocksRemoved, res.HrefsRemoved)
		return nil
	}

	if err := elements.NewWatcher(src, registry, 0).Start(ctx); err != nil {
		return fmt.Errorf("failed to watch elements: %w", err)
	}
	if !cfg.GC.Disabled {
		sup := gc.NewSupervisor(collector, cfg.GC.BlockDays, cfg.GC.HrefDays)
		sup.Start(ctx)
		defer sup.Stop()
		slog.InfoContext(ctx, "Garbage collector scheduled", "every", gc.Interval(cfg.GC.BlockDays, cfg.GC.HrefDays))
	}

	if *metricsAddr == "" {
		slog.InfoContext(ctx, "Running", "tenants", registry.Tenants())
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:              *metricsAddr,
		Handler:           mux,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Serving metrics", "addr", *metricsAddr, "tenants", registry.Tenants())
		serverErr <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}
	return nil
}

// splitDumpArg splits <tenant>:<file>.
func splitDumpArg(arg string) (string, string, error) {
	tenant, file, ok := strings.Cut(arg, ":")
	if !ok || tenant == "" || file == "" {
		return "", "", fmt.Errorf("expected <tenant>:<file>, got %q", arg)
	}
	return tenant, file, nil
}

func exportTenant(ctx context.Context, db *store.DB, arg string) error {
	tenant, file, err := splitDumpArg(arg)
	if err != nil {
		return err
	}
	f, err := os.Create(file) //nolint:gosec // G304: path is an operator flag
	if err != nil {
		return err
	}
	counts, err := db.Blocks(tenant).Export(ctx, f)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("export %s: %w", tenant, err)
	}
	slog.InfoContext(ctx, "Exported", "tenant", tenant, "file", file, "blocks", counts.Blocks, "relations", counts.Relations, "hrefs", counts.Hrefs)
	return nil
}

func importTenant(ctx context.Context, db *store.DB, arg string) error {
	tenant, file, err := splitDumpArg(arg)
	if err != nil {
		return err
	}
	f, err := os.Open(file) //nolint:gosec // G304: path is an operator flag
	if err != nil {
		return err
	}
	defer f.Close()
	counts, err := db.Blocks(tenant).Import(ctx, f)
	if err != nil {
		return fmt.Errorf("import %s: %w", tenant, err)
	}
	slog.InfoContext(ctx, "Imported", "tenant", tenant, "file", file, "blocks", counts.Blocks, "relations", counts.Relations, "hrefs", counts.Hrefs)
	return nil
}
