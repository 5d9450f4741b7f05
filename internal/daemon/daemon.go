package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"fileferry/pkg/config"
	"fileferry/pkg/handler"
	httpHandler "fileferry/pkg/http"
	"fileferry/pkg/logger"
	"fileferry/pkg/runlock"
	"fileferry/pkg/task"
	"fileferry/pkg/transfer"
)

const shutdownTimeout = 30 * time.Second

type DaemonService struct {
	server          *asynq.Server
	httpServer      *http.Server
	redisClient     *redis.Client
	transferHandler *handler.TransferHandler
	httpHandler     *httpHandler.HTTPHandler
	config          *config.Config
}

func NewDaemonService(config *config.Config) (*DaemonService, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: config.Daemon.Concurrency,
		Queues: map[string]int{
			"default": 6,
		},
		ShutdownTimeout: shutdownTimeout,
		// A held run lock means another worker is busy with the task.
		IsFailure: func(err error) bool {
			return !errors.Is(err, runlock.ErrHeld)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error("task processing failed", err, map[string]any{
				"type":      t.Type(),
				"payload":   string(t.Payload()),
				"retried":   retried,
				"max_retry": maxRetry,
			})
		}),
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	log := logger.Default()
	locker := runlock.New(redisClient, time.Duration(config.Daemon.RunLockMinutes)*time.Minute, log)
	transferer := transfer.NewTransferer(transfer.NewFactory(config, log), log)
	transferHandler := handler.NewTransferHandler(config, transferer, locker, log)

	httpHandler, err := httpHandler.NewHTTPHandler(config)
	if err != nil {
		_ = redisClient.Close()
		return nil, errors.Errorf("create http handler: %w", err)
	}

	mux := http.NewServeMux()
	httpHandler.Routes(mux)

	httpServer := &http.Server{
		Addr:              config.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &DaemonService{
		server:          server,
		httpServer:      httpServer,
		redisClient:     redisClient,
		transferHandler: transferHandler,
		httpHandler:     httpHandler,
		config:          config,
	}, nil
}

// Run serves queue tasks and HTTP requests until ctx is cancelled or either
// server fails, then shuts both down.
func (d *DaemonService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", map[string]any{
			"addr": d.config.HTTP.Addr,
		})
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting Asynq server", map[string]any{
			"concurrency": d.config.Daemon.Concurrency,
			"tasks":       len(d.config.Tasks),
		})
		mux := asynq.NewServeMux()
		mux.HandleFunc(task.TaskTypeTransfer, d.transferHandler.Handle)
		if err := d.server.Start(mux); err != nil {
			return errors.Errorf("asynq server: %w", err)
		}
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return d.shutdown()
	})

	return g.Wait()
}

func (d *DaemonService) shutdown() error {
	logger.Info("initiating graceful shutdown", nil)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.httpHandler.Close()

	var errs []error
	if err := d.httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", err, nil)
		errs = append(errs, err)
	}

	// Waits for in-flight transfers up to ShutdownTimeout.
	d.server.Shutdown()

	if err := d.redisClient.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		logger.Info("all tasks completed, shutdown successful", nil)
	}
	return errors.Join(errs...)
}
