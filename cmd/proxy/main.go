package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/proxy"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)

	server, err := proxy.New(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create proxy server: %v", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logrus.Warnf("Failed to close proxy server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logrus.Errorf("Server failed: %v", err)
		return
	}
	logrus.Info("Proxy stopped")
}
