// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen-validator/rollup-sequencer/pkg/bundle"
	"github.com/certen-validator/rollup-sequencer/pkg/config"
	"github.com/certen-validator/rollup-sequencer/pkg/dareader"
	"github.com/certen-validator/rollup-sequencer/pkg/kvdb"
	"github.com/certen-validator/rollup-sequencer/pkg/metrics"
	"github.com/certen-validator/rollup-sequencer/pkg/statedelta"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting rollup sequencer core")

	var (
		configPath = flag.String("config", "./sequencer.yaml", "path to sequencer config file")
		showHelp   = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	store, err := openStore(cfg.Store.Backend, cfg.Store.DataDir)
	if err != nil {
		log.Fatalf("failed to open store backend %q: %v", cfg.Store.Backend, err)
	}
	defer store.Close()

	state := statedelta.New(kvdb.NewKVAdapter(store))
	_ = state // constructed only; nothing in this binary reads or writes it

	bundleFactory := bundle.NewFactory(bundle.Config{
		MaxBundleSize:         cfg.Bundle.MaxBundleSize,
		FinishedQueueCapacity: cfg.Bundle.FinishedQueueCapacity,
		Logger:                log.New(os.Stderr, "[BundleFactory] ", log.LstdFlags),
	})
	_ = bundleFactory // constructed only; nothing in this binary pushes to or pops from it

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checkpoint dareader.Checkpoint
	if cfg.Database.URL != "" {
		checkpoint, err = openCheckpoint(ctx, cfg)
		if err != nil {
			if cfg.Database.Required {
				log.Fatalf("checkpoint database required but unavailable: %v", err)
			}
			log.Printf("checkpoint database unavailable, starting from DA source head: %v", err)
		}
	}

	source, err := dareader.NewRPCDataSource(cfg.DAReader.CometRPCAddr, cfg.DAReader.RollupID)
	if err != nil {
		log.Fatalf("failed to connect to comet rpc at %s: %v", cfg.DAReader.CometRPCAddr, err)
	}

	reader := dareader.New(dareader.Config{
		ChainID:      cfg.ChainID,
		PollInterval: cfg.DAReader.PollInterval.AsDuration(),
		MaxInFlight:  cfg.DAReader.MaxInFlight,
		Logger:       log.New(os.Stderr, "[DAReader] ", log.LstdFlags),
	}, source, checkpoint)

	if err := reader.Start(ctx); err != nil {
		log.Fatalf("failed to start DA reader: %v", err)
	}
	defer reader.Stop()

	go func() {
		for {
			select {
			case block, ok := <-reader.Blocks():
				if !ok {
					return
				}
				log.Printf("assembled block at height %d for chain %q (%d rollup blobs)",
					block.Height, block.ChainID, len(block.RollupBlobs))
			case err, ok := <-reader.Errors():
				if !ok {
					return
				}
				log.Printf("da reader error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	var httpServer *http.Server
	if cfg.Monitoring.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Monitoring.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		httpServer = &http.Server{Addr: cfg.Monitoring.Metrics.Addr, Handler: mux}
		go func() {
			log.Printf("metrics listening on %s%s", cfg.Monitoring.Metrics.Addr, cfg.Monitoring.Metrics.Path)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("metrics server failed: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down rollup sequencer core")
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics server shutdown error: %v", err)
		}
	}

	log.Printf("rollup sequencer core stopped")
}

func openStore(backend, dataDir string) (dbm.DB, error) {
	switch backend {
	case "memdb":
		return dbm.NewMemDB(), nil
	case "goleveldb":
		return dbm.NewGoLevelDB("sequencer", dataDir)
	case "badgerdb":
		return dbm.NewBadgerDB("sequencer", dataDir)
	default:
		return dbm.NewMemDB(), nil
	}
}

func openCheckpoint(ctx context.Context, cfg *config.Config) (dareader.Checkpoint, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetConnMaxIdleTime(cfg.Database.MaxIdleTime.AsDuration())
	cp, err := dareader.NewPostgresCheckpoint(ctx, db, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	return cp, nil
}
