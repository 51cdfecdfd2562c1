package main

import (
	"context"
	"log"
	"time"

	"chat-backend/internal/blob"
	"chat-backend/internal/server"
	"chat-backend/internal/storage"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse env config: %v", err)
	}

	storeCfg := storage.Config{}
	if err := env.Parse(&storeCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}

	store, err := storage.NewCluster(context.Background(), sugar, storeCfg, storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create storage Cluster instance: %v", err)
	}

	blobs, err := blob.New(sugar, cfg.StorageDir)
	if err != nil {
		sugar.Fatalf("Cannot create attachment store: %v", err)
	}

	srv, err := server.NewServer(sugar, store, blobs, server.WithEnvConfig(cfg))
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start server: %v", err)
	}
}
