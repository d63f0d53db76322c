package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/queuectl/queuectl/internal/config"
	httpx "github.com/queuectl/queuectl/internal/http"
	"github.com/queuectl/queuectl/internal/observability"
	"github.com/queuectl/queuectl/internal/store"
	"github.com/queuectl/queuectl/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := observability.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if cfg.OTELEnabled {
		shutdown, err := observability.InitTracer(ctx, "queuectl-dashboard", cfg.OTELEndpoint)
		if err != nil {
			log.Error("tracer init failed", "err", err)
		} else {
			defer func() {
				sctx, cancel := config.WithTimeout(2 * time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	st, err := store.Open(cfg.DBPath, prom, log)
	if err != nil {
		log.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Init(ctx); err != nil {
		log.Error("store init failed", "err", err)
		os.Exit(1)
	}

	hub := ws.NewHub(st, cfg.DashboardToken, prom, log)
	go hub.Run(ctx)

	router := httpx.NewRouter(log, st, hub, cfg.DashboardToken, prom, reg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("dashboard starting", "port", cfg.Port, "env", cfg.Env, "auth", cfg.DashboardToken != "")
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("dashboard shutting down")

	shutdownCh := make(chan struct{})

	go func() {
		defer close(shutdownCh)

		sctx, cancel := config.WithTimeout(10 * time.Second)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			log.Error("graceful shutdown failed", "err", err)
		}
	}()

	select {
	case <-shutdownCh:
		log.Info("shutdown complete")

	case <-time.After(12 * time.Second):
		log.Error("shutdown timed out")
	}
}
