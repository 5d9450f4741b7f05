package publisher

import (
	"time"

	"fileferry/pkg/config"
	"fileferry/pkg/logger"
	"fileferry/pkg/task"

	"github.com/hibiken/asynq"
	"gitlab.com/tozd/go/errors"
)

type enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Publisher struct {
	client enqueuer
	config *config.Config
}

func NewPublisher(config *config.Config) (*Publisher, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	}

	client := asynq.NewClient(redisOpt)

	return &Publisher{
		client: client,
		config: config,
	}, nil
}

func (p *Publisher) Close() {
	_ = p.client.Close()
}

// PublishTransferTask enqueues one run of the named task. Unknown names are
// rejected before anything reaches the queue.
func (p *Publisher) PublishTransferTask(name string) (*asynq.TaskInfo, error) {
	if name == "" {
		return nil, errors.New("task name is required")
	}
	if _, err := p.config.Task(name); err != nil {
		return nil, err
	}

	t, err := task.NewTransferTask(name)
	if err != nil {
		return nil, err
	}

	info, err := p.client.Enqueue(
		t,
		asynq.MaxRetry(p.config.Publish.MaxRetry),
		asynq.Timeout(time.Duration(p.config.Publish.TimeoutMinutes)*time.Minute),
	)
	if err != nil {
		return nil, errors.Errorf("enqueue task: %w", err)
	}

	logger.Info("task enqueued successfully", map[string]any{
		"task_id": info.ID,
		"queue":   info.Queue,
		"task":    name,
	})
	return info, nil
}
