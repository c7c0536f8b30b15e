// nitterfetch is a fetch orchestration engine that polls a pool of
// public feed-mirror instances for a configured set of accounts and
// hashtags, deduplicates what it finds into a local store, and serves
// the result over a small REST+SSE API.
package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/nitterfetch/nitterfetch/internal/broker"
	"github.com/nitterfetch/nitterfetch/internal/config"
	"github.com/nitterfetch/nitterfetch/internal/gateway"
	"github.com/nitterfetch/nitterfetch/internal/model"
	"github.com/nitterfetch/nitterfetch/internal/pipeline"
	"github.com/nitterfetch/nitterfetch/internal/scheduler"
	"github.com/nitterfetch/nitterfetch/internal/server"
	"github.com/nitterfetch/nitterfetch/internal/store"
)

// getEnvFilePath returns the path to the .env file: ENV_FILE if set,
// else /data/.env for containerized deployments, else the current directory.
func getEnvFilePath() string {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		return envFile
	}
	if _, err := os.Stat("/data/.env"); err == nil {
		return "/data/.env"
	}
	return ".env"
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP server address")
	configPath := flag.String("config", "config.json", "configuration file path")
	dataDir := flag.String("data-dir", "", "data directory for the .env overlay (default: /data or current directory)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	envFilePath := getEnvFilePath()
	if *dataDir != "" {
		envFilePath = filepath.Join(*dataDir, ".env")
	}
	config.LoadEnvFile(envFilePath)
	log.Info("loaded environment overlay", zap.String("path", envFilePath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	st, err := store.New(cfg.StoragePath, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if err := seedTargets(st, cfg.Targets, log); err != nil {
		log.Fatal("failed to seed targets", zap.Error(err))
	}

	pool, err := gateway.New(cfg.NitterInstances, cfg.MaxRequestsPerInstancePerMinute, cfg.BackoffBaseSeconds, log)
	if err != nil {
		log.Fatal("failed to construct gateway pool", zap.Error(err))
	}

	var evt *broker.Broker
	if cfg.EnableSSE {
		evt = broker.New(log)
	}

	pl := pipeline.New(st, pool, cfg.UserAgent, evt, cfg.KeepOnlyLastNPerTarget, log)

	sched := scheduler.New(st, pl, evt, log)
	sched.Start()

	srv := server.New(server.Deps{
		Store:     st,
		Pool:      pool,
		Pipeline:  pl,
		Scheduler: sched,
		Broker:    evt,
		Config:    cfg,
		Log:       log,
	})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("received shutdown signal")
		sched.Stop()
		srv.Stop()
	}()

	log.Info("nitterfetch starting", zap.String("addr", *addr))
	if err := srv.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("nitterfetch stopped")
}

// seedTargets writes the configured seed targets into the store, but only
// when the target registry is still empty, so a restart never re-seeds
// over operator-managed targets.
func seedTargets(st *store.Store, seeds []model.SeedTarget, log *zap.Logger) error {
	if len(seeds) == 0 {
		return nil
	}
	existing, err := st.GetTargets()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, s := range seeds {
		kind := model.TargetKind(s.Type)
		if !kind.Valid() {
			log.Warn("skipping seed target with invalid type", zap.String("type", s.Type), zap.String("value", s.Value))
			continue
		}
		interval := s.PollIntervalSeconds
		if interval < model.MinPollIntervalSeconds {
			interval = model.MinPollIntervalSeconds
		}
		if _, err := st.AddTarget(kind, s.Value, interval); err != nil {
			return err
		}
		log.Info("seeded target", zap.String("type", s.Type), zap.String("value", s.Value))
	}
	return nil
}
