// Package main wires together the sitemap indexer service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/config"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx := context.Background()
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build application failed", zap.Error(err))
		return
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("application stopped with error", zap.Error(err))
	}
}
