package main

import (
	"flag"

	"fileferry/pkg/config"
	"fileferry/pkg/logger"
	"fileferry/pkg/publisher"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/fileferry/config.toml", "path to config file")
		taskName   = flag.String("task", "", "name of the configured task to run")
	)
	flag.Parse()

	if *taskName == "" {
		logger.Fatal("task name is required", nil)
	}

	config, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": *configPath,
			"error":       err.Error(),
		})
	}

	publisher, err := publisher.NewPublisher(config)
	if err != nil {
		logger.Fatal("failed to create publisher", map[string]any{
			"error": err.Error(),
		})
	}
	defer publisher.Close()

	info, err := publisher.PublishTransferTask(*taskName)
	if err != nil {
		logger.Fatal("failed to publish task", map[string]any{
			"error": err.Error(),
		})
	}

	logger.Info("task published successfully", map[string]any{
		"task":    *taskName,
		"task_id": info.ID,
	})
}
