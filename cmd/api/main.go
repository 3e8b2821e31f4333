package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/psundaraj/ledgertrail/internal/api"
	"github.com/psundaraj/ledgertrail/internal/auth"
	"github.com/psundaraj/ledgertrail/internal/config"
	"github.com/psundaraj/ledgertrail/internal/logging"
	"github.com/psundaraj/ledgertrail/internal/service"
	"github.com/psundaraj/ledgertrail/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	st, err := store.NewPostgresStore(cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer st.Close()

	engine := service.NewTransferEngine(st, logger)
	tokens := auth.NewTokenIssuer(cfg.SecretKey, cfg.TokenExpiry)
	handler := api.NewHandler(st, engine, tokens, logger)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	handler.Routes(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	// Drain in-flight transfers before exiting so every attempt that reached
	// the engine still gets its audit entry committed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}
