// Command ursadbd is the daemon entrypoint: it opens the metadata store,
// starts the coordinator's event loop, spawns a fixed worker pool, and
// serves Prometheus metrics until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chivay/ursadb/config"
	"github.com/chivay/ursadb/coordinator"
	"github.com/chivay/ursadb/dataset"
	"github.com/chivay/ursadb/engine"
	"github.com/chivay/ursadb/utils"
	"github.com/chivay/ursadb/worker"
)

func main() {
	bootstrapPath := ""
	if len(os.Args) > 1 {
		bootstrapPath = os.Args[1]
	}

	bootstrap, err := config.LoadBootstrap(bootstrapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := utils.NewDefaultLogger(parseLevel(bootstrap.LogLevel))

	eng := engine.New()
	db, err := dataset.Open(bootstrap.DBPath, eng, eng, log, config.Defaults())
	if err != nil {
		log.Error("ursadbd: opening database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	coord := coordinator.New(db, log, bootstrap.WorkerCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil {
			log.Error("ursadbd: coordinator stopped", "err", err)
		}
	}()

	spawnWorkerPool(ctx, coord, bootstrap.WorkerCount, log, &wg)

	metricsSrv := &http.Server{
		Addr:              bootstrap.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("ursadbd: serving metrics", "addr", bootstrap.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ursadbd: metrics server", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("ursadbd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
}

// spawnWorkerPool starts count worker goroutines, each registered with
// the coordinator via Connect. Pool size is a deployment constant: it is
// read once here and never resized.
func spawnWorkerPool(ctx context.Context, coord *coordinator.Coordinator, count int, log utils.Logger, wg *sync.WaitGroup) {
	for i := 0; i < count; i++ {
		link := coord.Connect()
		wg.Add(1)
		go func(link *coordinator.WorkerLink) {
			defer wg.Done()
			w := worker.New(link, log)
			if err := w.Run(ctx); err != nil {
				log.Error("ursadbd: worker stopped", "worker", link.ID, "err", err)
			}
		}(link)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
