package handler

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"gitlab.com/tozd/go/errors"

	"fileferry/pkg/config"
	"fileferry/pkg/logger"
	"fileferry/pkg/storage"
	"fileferry/pkg/task"
	"fileferry/pkg/transfer"
)

type Runner interface {
	Run(ctx context.Context, t *transfer.Task) (*transfer.Result, error)
}

type Locker interface {
	Acquire(ctx context.Context, name string) (func(context.Context) error, error)
}

type TransferHandler struct {
	config *config.Config
	runner Runner
	locker Locker
	logger *logger.Logger
}

func NewTransferHandler(config *config.Config, runner Runner, locker Locker, logger *logger.Logger) *TransferHandler {
	return &TransferHandler{
		config: config,
		runner: runner,
		locker: locker,
		logger: logger,
	}
}

// Handle runs the task named in the payload. Failures that retrying cannot
// fix are marked with asynq.SkipRetry.
func (h *TransferHandler) Handle(ctx context.Context, t *asynq.Task) error {
	payload, err := task.ParseTransferPayload(t)
	if err != nil {
		h.logger.Error("failed to parse payload", err, nil)
		return skipRetry(err)
	}

	tc, err := h.config.Task(payload.Task)
	if err != nil {
		h.logger.Error("task is not configured", err, map[string]any{"task": payload.Task})
		return skipRetry(err)
	}

	tsk, err := transfer.TaskFromConfig(*tc)
	if err != nil {
		h.logger.Error("invalid task configuration", err, map[string]any{"task": payload.Task})
		return skipRetry(err)
	}

	release, err := h.locker.Acquire(ctx, tsk.Name)
	if err != nil {
		h.logger.Warn("run lock unavailable", map[string]any{
			"task":  tsk.Name,
			"error": err.Error(),
		})
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			h.logger.Error("failed to release run lock", err, map[string]any{"task": tsk.Name})
		}
	}()

	h.logger.Info("starting transfer task", map[string]any{"task": tsk.Name})

	res, err := h.runner.Run(ctx, tsk)
	if err != nil {
		h.logger.Error("transfer task failed", err, map[string]any{"task": tsk.Name})
		if permanent(err) {
			return skipRetry(err)
		}
		return err
	}

	fields := map[string]any{
		"task":        tsk.Name,
		"candidates":  res.Candidates,
		"skipped":     res.Skipped,
		"transferred": len(res.Transferred),
		"failed":      len(res.Failed),
		"duration":    res.Duration,
	}
	if res.PostProcessErrors > 0 {
		fields["post_process_errors"] = res.PostProcessErrors
	}
	if len(res.Failed) > 0 {
		h.logger.Warn("transfer task finished with suppressed errors", fields)
	} else {
		h.logger.Info("transfer task finished", fields)
	}
	return nil
}

func skipRetry(err error) error {
	return errors.Errorf("%v: %w", err, asynq.SkipRetry)
}

// permanent reports whether err comes from configuration or an endpoint
// failure that fails again on retry.
func permanent(err error) bool {
	var cfgErr *transfer.ConfigError
	if errors.As(err, &cfgErr) {
		return true
	}
	var connErr *storage.ConnectionError
	if errors.As(err, &connErr) {
		return !storage.IsRetryableError(err)
	}
	return false
}
