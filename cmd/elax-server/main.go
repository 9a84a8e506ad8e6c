// Command elax-server runs one node of the namespace execution engine: an
// HTTP server wired to a namespace manager, a sharding router, and an
// object-store façade, per spec.md §6.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/elax-db/elax/internal/api"
	"github.com/elax-db/elax/internal/config"
	"github.com/elax-db/elax/internal/diskcache"
	"github.com/elax-db/elax/internal/logging"
	"github.com/elax-db/elax/internal/nsmanager"
	"github.com/elax-db/elax/internal/objectstore"
	"github.com/elax-db/elax/internal/sharding"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		panic(err)
	}
	cfg.BindFlags(pflag.CommandLine)
	pflag.Parse()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	log := logging.Init(false)
	defer log.Sync()

	ctx := context.Background()
	store, err := objectstore.New(ctx, cfg)
	if err != nil {
		log.Fatal("object store init", zap.Error(err))
	}

	router, err := sharding.New(cfg.TotalIndexers, cfg.SelfIndex, cfg.SingleNode, cfg.QueryNode)
	if err != nil {
		log.Fatal("sharding router init", zap.Error(err))
	}

	cache, err := diskcache.New(int64(cfg.DiskCacheBytes), cfg.DataRoot+"/cache", log.Named("diskcache"))
	if err != nil {
		log.Fatal("disk cache init", zap.Error(err))
	}

	// A single-node deployment keeps the low-latency local-disk WAL, since
	// nothing else ever needs to observe it. Any multi-node deployment
	// (indexer or query node) needs the WAL in the shared object store:
	// it's how a query node ever learns about an indexer's writes, and how
	// an indexer's writes survive it losing its local disk.
	walMode := nsmanager.WALModeLocal
	if !cfg.SingleNode {
		walMode = nsmanager.WALModeObjectStore
	}
	manager := nsmanager.New(store, cfg.DataRoot, cfg.NodeID, walMode, cache, log.Named("nsmanager"))

	server := api.New(manager, router, store, cfg.NodeID, "dev", log.Named("api"))
	httpSrv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.BindAddr), zap.String("node_id", cfg.NodeID))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
	log.Info("stopped")
}
