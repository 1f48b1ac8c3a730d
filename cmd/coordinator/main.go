package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loomci/loom/pkg/config"
	"github.com/loomci/loom/pkg/logger"
	"github.com/loomci/loom/pkg/master"
	"github.com/loomci/loom/pkg/provision"
	"github.com/loomci/loom/pkg/store"
	"github.com/loomci/loom/pkg/telemetry"
)

const version = "0.3.0"

func main() {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logg := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "loom-coordinator", version)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("tracer shutdown", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.Basedir, 0o755); err != nil {
		log.Fatalf("create basedir: %v", err)
	}

	var history store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres init failed: %v", err)
		}
		history = pg
	} else {
		logg.Warn("no database configured, build history is in-memory only")
		history = store.NewMemStore()
	}
	defer func() {
		if err := history.Close(); err != nil {
			logg.Error("history store close", "error", err)
		}
	}()

	m, err := master.New(cfg.ProjectFile, master.Deps{
		Logger:   logg,
		Store:    history,
		Basedir:  cfg.Basedir,
		RedisURL: cfg.RedisURL,
	})
	if err != nil {
		log.Fatalf("failed to load project %s: %v", cfg.ProjectFile, err)
	}

	hosts, err := provision.NewStore(filepath.Join(cfg.Basedir, "hosts.json"))
	if err != nil {
		log.Fatalf("host store init failed: %v", err)
	}
	var agentBinary []byte
	if path := os.Getenv("LOOM_AGENT_BINARY"); path != "" {
		agentBinary, err = os.ReadFile(path)
		if err != nil {
			log.Fatalf("read agent binary %s: %v", path, err)
		}
	}
	provisioner := provision.NewProvisioner(hosts, agentBinary, logg)

	api := master.NewAPI(m, hosts, provisioner)
	api.Token = cfg.APIToken
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(),
	}

	m.Start(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.Shutdown(shutdownCtx)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logg.Error("http shutdown", "error", err)
		}
	}()

	logg.Info("coordinator listening", "addr", cfg.ListenAddr, "project", m.ProjectName())
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("coordinator failed: %v", err)
	}
}
