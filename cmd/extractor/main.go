// Command extractor runs the Discogs dump extraction pipeline: discover the
// latest upstream version, download it, stream-parse and normalize its four
// XML files, and publish one message per record to the broker.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/discogsography/extractor/internal/config"
	"github.com/discogsography/extractor/internal/health"
	"github.com/discogsography/extractor/internal/orchestrator"
	"github.com/discogsography/extractor/internal/scheduler"
)

func main() {
	envPath := flag.String("env", ".env", "optional .env file to load before reading the environment")
	forceReprocess := flag.Bool("force-reprocess", false, "discard any prior state marker and start the current version fresh")
	flag.Parse()

	if err := config.LoadEnvFile(*envPath); err != nil {
		log.Printf("extractor: load env file %s: %v", *envPath, err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Printf("extractor: %v", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		log.Printf("extractor: create data root %s: %v", cfg.DataRoot, err)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Config{
		SourceBaseURL:  cfg.SourceBaseURL,
		DataRoot:       cfg.DataRoot,
		BrokerURL:      cfg.BrokerURL,
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		ForceReprocess: *forceReprocess,
	})

	shutdown := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("extractor: shutdown signal received, flushing cleanly")
		orch.RequestShutdown()
		close(shutdown)
	}()

	healthSrv := &http.Server{
		Addr:    ":" + httpPort(cfg.HealthPort),
		Handler: health.Handler(),
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("extractor: health server: %v", err)
		}
	}()

	sched := scheduler.New(orch, cfg.PeriodicCheckDays, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-shutdown
		time.AfterFunc(orchestrator.ShutdownDeadline, func() {
			log.Printf("extractor: shutdown deadline exceeded, forcing exit")
			os.Exit(2)
		})
	}()

	runErr := sched.Loop(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	if runErr != nil && runErr != context.Canceled {
		log.Printf("extractor: run failed: %v", runErr)
		os.Exit(2)
	}
	os.Exit(0)
}

func httpPort(p int) string {
	if p <= 0 {
		return "8000"
	}
	return strconv.Itoa(p)
}
