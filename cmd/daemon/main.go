package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"fileferry/internal/daemon"
	"fileferry/pkg/config"
	"fileferry/pkg/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/fileferry/config.toml", "path to config file")
	flag.Parse()

	config, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": configPath,
			"error":       err.Error(),
		})
	}
	logger.SetLevel(logger.ParseLevel(config.Daemon.LogLevel))

	daemon, err := daemon.NewDaemonService(config)
	if err != nil {
		logger.Fatal("failed to create daemon", map[string]any{
			"error": err.Error(),
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info("starting fileferry daemon", map[string]any{
		"tasks": len(config.Tasks),
	})
	if err := daemon.Run(ctx); err != nil {
		logger.Error("daemon stopped with error", err, nil)
		os.Exit(1)
	}

	logger.Info("daemon stopped successfully", nil)
}
