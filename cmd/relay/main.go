// Command relay runs the EVM webhook relay: it tails configured contract
// events, matches them against subscriptions, and delivers formatted
// payloads to webhook endpoints with durable retry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/evm-webhook-relay/api"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/config"
	relayerrors "github.com/R3E-Network/evm-webhook-relay/infrastructure/errors"
	"github.com/R3E-Network/evm-webhook-relay/runtime"
)

const (
	exitOK                 = 0
	exitConfigInvalid      = 2
	exitStorageUnreachable = 3
	exitSignalled          = 130
)

func main() {
	os.Exit(run())
}

// run builds and drives the runtime, returning the process exit code so
// tests can exercise flag/DSN resolution without calling os.Exit directly.
func run() int {
	_ = godotenv.Load() // optional .env for local runs; env overrides still apply on top

	configPath := flag.String("config", "", "path to the relay configuration file (JSON)")
	addr := flag.String("addr", "", "admin HTTP listen address (overrides monitoring.healthCheckPort)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides database.url in config)")
	migrate := flag.Bool("migrate", true, "run embedded schema migrations on startup")
	flag.Parse()

	if strings.TrimSpace(*configPath) == "" {
		log.Println("ERROR: -config is required")
		return exitConfigInvalid
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	overrides := runtime.Overrides{
		DSN:           strings.TrimSpace(*dsn),
		SkipMigration: !*migrate,
	}

	rt, err := runtime.New(ctx, *configPath, prometheus.NewRegistry(), overrides)
	if err != nil {
		return exitForStartupError(err)
	}

	listenAddr := determineAddr(*addr, rt.ConfigSnapshot())

	router := api.NewRouter(api.Deps{
		Logger:      rt.Logger(),
		Registry:    rt.Registry(),
		Runtime:     healthAdapter{rt},
		DeadLetters: rt.DeadLetters(),
		Queue:       rt.Queue(),
	})

	server := &http.Server{Addr: listenAddr, Handler: router}

	runDone := make(chan error, 1)
	go func() { runDone <- rt.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() {
		log.Printf("admin API listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	select {
	case err := <-serverDone:
		cancel()
		<-runDone
		if err != nil {
			log.Printf("admin API server error: %v", err)
			return 1
		}
		return exitOK
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("admin API shutdown error: %v", err)
		}
		if err := <-runDone; err != nil {
			log.Printf("runtime shutdown error: %v", err)
		}
		return exitSignalled
	}
}

// healthAdapter narrows *runtime.Runtime to api.HealthReporter, converting
// between the two packages' identically-valued but distinctly-typed health
// status enums.
type healthAdapter struct{ rt *runtime.Runtime }

func (h healthAdapter) Health() api.HealthStatus {
	return api.HealthStatus(h.rt.Health())
}

func exitForStartupError(err error) int {
	log.Printf("ERROR: startup failed: %v", err)
	if relayErr := relayerrors.AsRelayError(err); relayErr != nil {
		switch relayErr.Code {
		case relayerrors.ErrCodeConfigMissing, relayerrors.ErrCodeConfigInvalid:
			return exitConfigInvalid
		case relayerrors.ErrCodeQueuePermanent, relayerrors.ErrCodeQueueTransient:
			return exitStorageUnreachable
		}
	}
	return 1
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	if cfg.Monitoring.HealthCheckPort == 0 {
		return ":8080"
	}
	return fmt.Sprintf(":%d", cfg.Monitoring.HealthCheckPort)
}
