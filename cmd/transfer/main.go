package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"gitlab.com/tozd/go/errors"

	"fileferry/pkg/config"
	"fileferry/pkg/logger"
	"fileferry/pkg/transfer"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/fileferry/config.toml", "path to config file")
		taskName   = flag.String("task", "", "name of the configured task to run")
		all        = flag.Bool("all", false, "run every configured task in order")
	)
	flag.Parse()

	if *taskName == "" && !*all {
		logger.Fatal("either -task or -all is required", nil)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": *configPath,
			"error":       err.Error(),
		})
	}
	logger.SetLevel(logger.ParseLevel(cfg.Daemon.LogLevel))

	var names []string
	if *all {
		for _, t := range cfg.Tasks {
			names = append(names, t.Name)
		}
	} else {
		names = []string{*taskName}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log := logger.Default()
	transferer := transfer.NewTransferer(transfer.NewFactory(cfg, log), log)

	failed := 0
	for _, name := range names {
		if err := run(ctx, cfg, transferer, name); err != nil {
			logger.Error("task failed", err, map[string]any{"task": name})
			failed++
		}
		if ctx.Err() != nil {
			break
		}
	}

	if failed > 0 {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, transferer *transfer.Transferer, name string) error {
	tc, err := cfg.Task(name)
	if err != nil {
		return err
	}
	tsk, err := transfer.TaskFromConfig(*tc)
	if err != nil {
		return err
	}

	res, err := transferer.Run(ctx, tsk)
	if err != nil {
		return err
	}

	logger.Info("task finished", map[string]any{
		"task":                name,
		"candidates":          res.Candidates,
		"skipped":             res.Skipped,
		"transferred":         len(res.Transferred),
		"failed":              len(res.Failed),
		"post_process_errors": res.PostProcessErrors,
		"duration":            res.Duration,
	})
	return failure(res)
}

// failure turns suppressed per-file errors into a task error so the process
// exits non-zero.
func failure(res *transfer.Result) error {
	if len(res.Failed) == 0 {
		return nil
	}
	if err := res.Err(); err != nil {
		return errors.Errorf("%d file(s) failed: %w", len(res.Failed), err)
	}
	return errors.Errorf("%d file(s) failed", len(res.Failed))
}
