// Command signalingd serves the shared CallSession store to call clients
// over websocket, with health and metrics endpoints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/config"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Configuration invalid")
	}

	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	store, cleanup, err := buildStore(cfg)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Store initialization failed")
	}
	defer cleanup()

	hub := signaling.NewHub(store)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", hub)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"addr":     cfg.HTTPAddr(),
			"backend":  cfg.Store.Backend,
		}).Info("Signaling server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("error", err.Error()).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithField("error", err.Error()).Error("Forced shutdown")
	}
	hub.Close()
}

// buildStore selects the session store backend from configuration.
func buildStore(cfg config.Config) (signaling.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
		store, err := signaling.NewRedisStore(rdb)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { rdb.Close() }, nil
	default:
		store := signaling.NewMemoryStore()
		return store, store.Close, nil
	}
}
