package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"fileferry/pkg/config"
	"fileferry/pkg/endpoint"
	"fileferry/pkg/ledger"
	"fileferry/pkg/logger"
	"fileferry/pkg/publisher"
)

type taskPublisher interface {
	PublishTransferTask(name string) (*asynq.TaskInfo, error)
	Close()
}

type HTTPHandler struct {
	publisher taskPublisher
	config    *config.Config
	logger    *logger.Logger
}

type PublishRequest struct {
	Task string `json:"task"`
}

type PublishResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type LedgerResponse struct {
	Task         string `json:"task"`
	LedgerFile   string `json:"ledger_file"`
	Entries      int    `json:"entries"`
	LastDownload string `json:"last_download,omitempty"`
}

type TaskSummary struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Ledger      bool   `json:"ledger"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewHTTPHandler(config *config.Config) (*HTTPHandler, error) {
	pub, err := publisher.NewPublisher(config)
	if err != nil {
		return nil, err
	}

	return &HTTPHandler{
		publisher: pub,
		config:    config,
		logger:    logger.NewDefault(),
	}, nil
}

func (h *HTTPHandler) Close() {
	if h.publisher != nil {
		h.publisher.Close()
	}
}

// Routes registers every endpoint on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/publish", h.PublishHandler)
	mux.HandleFunc("/tasks", h.TasksHandler)
	mux.HandleFunc("/ledger", h.LedgerHandler)
}

func (h *HTTPHandler) PublishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendErrorResponse(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if req.Task == "" {
		h.sendErrorResponse(w, http.StatusBadRequest, "task is required")
		return
	}

	if _, err := h.config.Task(req.Task); err != nil {
		h.sendErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	info, err := h.publisher.PublishTransferTask(req.Task)
	if err != nil {
		h.logger.Error("failed to publish task", err, map[string]any{
			"task": req.Task,
		})
		h.sendErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("task published via HTTP", map[string]any{
		"task":    req.Task,
		"task_id": info.ID,
	})

	h.sendJSON(w, http.StatusOK, PublishResponse{
		Success: true,
		Message: "task published successfully",
		TaskID:  info.ID,
	})
}

func (h *HTTPHandler) TasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tasks := make([]TaskSummary, 0, len(h.config.Tasks))
	for _, t := range h.config.Tasks {
		tasks = append(tasks, TaskSummary{
			Name:        t.Name,
			Source:      endpoint.RedactLocation(t.Source.Location),
			Destination: endpoint.RedactLocation(t.Destination.Location),
			Ledger:      t.LedgerFile != "",
		})
	}
	h.sendJSON(w, http.StatusOK, tasks)
}

// LedgerHandler reports the size of a task's ledger. The file is read without
// taking the ledger lock, so a running task does not block it.
func (h *HTTPHandler) LedgerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := r.URL.Query().Get("task")
	if name == "" {
		h.sendErrorResponse(w, http.StatusBadRequest, "task is required")
		return
	}

	tc, err := h.config.Task(name)
	if err != nil {
		h.sendErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if tc.LedgerFile == "" {
		h.sendErrorResponse(w, http.StatusNotFound, "task keeps no ledger")
		return
	}

	led, err := ledger.Read(tc.LedgerFile)
	if err != nil {
		h.logger.Error("failed to read ledger", err, map[string]any{
			"task":        name,
			"ledger_file": tc.LedgerFile,
		})
		h.sendErrorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := LedgerResponse{
		Task:       name,
		LedgerFile: tc.LedgerFile,
		Entries:    led.Len(),
	}
	if last := led.LastDownload(); !last.IsZero() {
		response.LastDownload = last.Format(time.RFC3339)
	}
	h.sendJSON(w, http.StatusOK, response)
}

func (h *HTTPHandler) sendErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{Error: message})
}

func (h *HTTPHandler) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", err, nil)
	}
}
