package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"credbroker-go/internal/authgate"
	"credbroker-go/internal/backend"
	"credbroker-go/internal/config"
	"credbroker-go/internal/credential"
	"credbroker-go/internal/httpclient"
	"credbroker-go/internal/identity"
	"credbroker-go/internal/logging"
	"credbroker-go/internal/registry"
	"credbroker-go/internal/server"
	"credbroker-go/internal/storage"
	"credbroker-go/internal/token"
	"credbroker-go/internal/tracing"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		cfg.Server.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	store, err := storage.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage backend")
	}
	if err := store.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize storage backend")
	}
	defer func() { _ = store.Close() }()

	manager := config.NewManager(cfg)
	client := httpclient.New(cfg)
	reg := registry.New()
	creds := credential.NewService(store, client, manager)
	backends := backend.NewService(store, creds, client, reg)

	codec, err := token.NewCodec(cfg.Security.JWTSecret)
	if err != nil {
		log.WithError(err).Fatal("failed to build token codec")
	}

	gate := authgate.New(manager, codec, identity.NewConfigProvider(cfg.Users), backends, reg)

	watcher := config.NewWatcher(*configPath, func(next *config.Config) {
		log.WithField("path", *configPath).Info("configuration reloaded")
		manager.Swap(next)
	})
	if err := watcher.Start(); err != nil {
		log.WithError(err).Warn("configuration watcher unavailable")
	} else {
		defer watcher.Stop()
	}

	log.WithFields(log.Fields{
		"port":    cfg.Server.Port,
		"storage": cfg.Storage.Backend,
	}).Info("starting credential broker")

	srv := server.New(manager, server.Dependencies{
		Credentials: creds,
		Backends:    backends,
		Gate:        gate,
		Registry:    reg,
		Store:       store,
	})
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
	log.Info("server stopped")
}
