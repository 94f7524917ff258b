package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-mirror/internal/config"
	"github.com/withObsrvr/obsrvr-mirror/internal/logging"
	"github.com/withObsrvr/obsrvr-mirror/internal/metrics"
	"github.com/withObsrvr/obsrvr-mirror/internal/mirror"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Mirror %s (%s)", mirror.Version, mirror.GitSHA)

	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Init("mirror")
		go func() {
			log.Printf("[main] metrics listening on %s", cfg.Metrics.Addr)
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.Printf("[main] metrics server stopped: %v", err)
			}
		}()
	}

	mi, err := mirror.Open(ctx, cfg, m)
	if err != nil {
		log.Fatalf("[main] failed to set up mirror: %v", err)
	}

	log.Printf("[main] run %s: %s sink", cfg.Run.ID, cfg.Sink.Type)

	summary, err := mi.Run(ctx)
	if cerr := mi.Close(); cerr != nil {
		log.Printf("[main] close: %v", cerr)
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] shutdown complete")
			os.Exit(130)
		}
		log.Fatalf("[main] mirror failed: %v", err)
	}

	log.Printf("[main] run %s done: copied=%d skipped=%d bytes=%d in %s",
		summary.RunID, summary.Copied, summary.Skipped, summary.Bytes, summary.Duration.Round(time.Millisecond))
	log.Println("[main] mirror stopped cleanly")
}
