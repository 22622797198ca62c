package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub002/internal/api"
	"github.com/Jasonzhangf/routecodex-sub002/internal/auth"
	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
	"github.com/Jasonzhangf/routecodex-sub002/internal/pipeline"
	"github.com/Jasonzhangf/routecodex-sub002/internal/ratelimit"
	"github.com/Jasonzhangf/routecodex-sub002/internal/router"
	"github.com/Jasonzhangf/routecodex-sub002/internal/sink"
	"github.com/Jasonzhangf/routecodex-sub002/internal/util"
	"github.com/Jasonzhangf/routecodex-sub002/internal/watcher"
)

// refreshInterval is how often the credential store checks for tokens close
// to expiry.
const refreshInterval = 15 * time.Minute

// shutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
const shutdownTimeout = 5 * time.Second

// StartService boots the gateway and blocks until a termination signal.
func StartService(cfg *config.Config, configPath string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{})
	store := auth.NewStore(cfg.AuthDir, httpClient)
	store.StartBackgroundRefresh(ctx, refreshInterval)

	events, err := sink.NewEventSink(cfg.UsageDB)
	if err != nil {
		log.Fatalf("failed to open usage database: %v", err)
	}
	defer func() {
		_ = events.Close()
	}()

	limits := ratelimit.NewState()
	manager, err := pipeline.NewManager(cfg, store, limits, events, httpClient)
	if err != nil {
		log.Fatalf("failed to build pipelines: %v", err)
	}
	pool := router.NewPool(cfg.Routes, manager, limits)
	server := api.NewServer(cfg, manager, pool)

	if configPath != "" {
		w, errWatch := watcher.NewWatcher(configPath, func(newCfg *config.Config) {
			if errRebuild := manager.Rebuild(newCfg); errRebuild != nil {
				log.Errorf("config reload failed: %v", errRebuild)
				return
			}
			pool.Update(newCfg.Routes)
			server.UpdateConfig(newCfg)
		})
		if errWatch != nil {
			log.Warnf("config hot reload disabled: %v", errWatch)
		} else if errWatch = w.Start(ctx); errWatch != nil {
			log.Warnf("config hot reload disabled: %v", errWatch)
		}
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errs:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Warnf("graceful shutdown incomplete: %v", err)
	}
}
