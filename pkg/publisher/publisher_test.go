package publisher

import (
	"testing"

	"fileferry/pkg/config"
	"fileferry/pkg/task"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(t, opts)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *mockEnqueuer) Close() error {
	return m.Called().Error(0)
}

func testConfig() *config.Config {
	return &config.Config{
		Publish: config.PublishConfig{MaxRetry: 3, TimeoutMinutes: 30},
		Tasks: []config.TaskConfig{
			{Name: "invoices"},
		},
	}
}

func TestPublishTransferTask(t *testing.T) {
	tests := []struct {
		name       string
		task       string
		setupMocks func(m *mockEnqueuer)
		wantErr    bool
	}{
		{
			name: "known task is enqueued",
			task: "invoices",
			setupMocks: func(m *mockEnqueuer) {
				m.On("Enqueue", mock.MatchedBy(func(t *asynq.Task) bool {
					return t.Type() == task.TaskTypeTransfer && string(t.Payload()) == `{"task":"invoices"}`
				}), mock.Anything).Return(&asynq.TaskInfo{ID: "id-1", Queue: "default"}, nil)
			},
		},
		{
			name:       "unknown task never reaches the queue",
			task:       "payroll",
			setupMocks: func(m *mockEnqueuer) {},
			wantErr:    true,
		},
		{
			name:       "empty name",
			task:       "",
			setupMocks: func(m *mockEnqueuer) {},
			wantErr:    true,
		},
		{
			name: "enqueue failure",
			task: "invoices",
			setupMocks: func(m *mockEnqueuer) {
				m.On("Enqueue", mock.Anything, mock.Anything).Return(nil, errors.New("redis down"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockEnqueuer{}
			tt.setupMocks(m)
			p := &Publisher{client: m, config: testConfig()}

			info, err := p.PublishTransferTask(tt.task)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, info)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "id-1", info.ID)
			}
			m.AssertExpectations(t)
		})
	}
}
