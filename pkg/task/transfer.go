package task

import (
	"encoding/json"

	"github.com/hibiken/asynq"
	"gitlab.com/tozd/go/errors"
)

const TaskTypeTransfer = "transfer:run"

type TransferPayload struct {
	Task string `json:"task"`
}

// NewTransferTask builds the queue task that runs the configured task name.
func NewTransferTask(name string) (*asynq.Task, error) {
	if name == "" {
		return nil, errors.New("task name is required")
	}
	payload, err := json.Marshal(TransferPayload{Task: name})
	if err != nil {
		return nil, errors.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TaskTypeTransfer, payload), nil
}

// ParseTransferPayload decodes the payload of a TaskTypeTransfer task.
func ParseTransferPayload(t *asynq.Task) (TransferPayload, error) {
	var payload TransferPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, errors.Errorf("unmarshal payload: %w", err)
	}
	if payload.Task == "" {
		return payload, errors.New("payload carries no task name")
	}
	return payload, nil
}
