package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomci/loom/pkg/agent"
	"github.com/loomci/loom/pkg/config"
	"github.com/loomci/loom/pkg/logger"
	"github.com/loomci/loom/pkg/telemetry"
)

const version = "0.3.0"

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logg := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "loom-agent", version)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("tracer shutdown", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.Basedir, 0o755); err != nil {
		log.Fatalf("create basedir: %v", err)
	}

	srv := agent.NewServer(cfg.Name, agent.Deps{
		Basedir: cfg.Basedir,
		Logger:  logg,
	}, agent.DefaultRegistry())

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logg.Error("http shutdown", "error", err)
		}
	}()

	logg.Info("agent listening", "addr", cfg.ListenAddr, "name", cfg.Name, "basedir", cfg.Basedir)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("agent failed: %v", err)
	}
}
