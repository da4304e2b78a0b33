// Package main provides the gateway binary: browsers attach over websockets
// and drive world sessions through the protocol bridge.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/app"
	"github.com/cory-johannsen/worldlink/internal/config"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	a, cleanup, err := app.InitializeApp(ctx, cfg)
	if err != nil {
		log.Fatalf("initializing gateway: %v", err)
	}
	defer cleanup()

	logger := a.Logger
	if err := a.CloseDanglingLogins(ctx); err != nil {
		logger.Warn("login history not reconciled", zap.Error(err))
	}

	logger.Info("gateway initialized",
		zap.String("name", cfg.Server.Name),
		zap.String("web_addr", cfg.Web.Addr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.String("bridge_url", cfg.World.BridgeURL),
		zap.Bool("auto_reply", cfg.Scripting.Dir != ""),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.Lifecycle().Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		cleanup()
		log.Fatalf("server error: %v", err)
	}
}
