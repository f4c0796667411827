package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rciam.org/internal/authevent"
	"rciam.org/internal/config"
	"rciam.org/internal/httpapi"
	"rciam.org/internal/obs"
	"rciam.org/internal/registry"
	"rciam.org/internal/resolver"
	"rciam.org/internal/statestore"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := registry.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open registry db: %v", err)
	}

	events := authevent.NewRecorder(store.DB())
	states := statestore.New(cfg.State.Secret, cfg.State.TTL)
	rsv := resolver.New(cfg, store, events, states)

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, rsv, states)
	api.SetRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting rciam-resolve %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = store.DB().Close()
	log.Println("Stopped")
}
