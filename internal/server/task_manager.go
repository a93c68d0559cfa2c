package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus defines the possible states of a task.
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task represents a long-running operation such as a migration run.
type Task struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Status          TaskStatus `json:"status"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	Error           string     `json:"error,omitempty"`
	Result          any        `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	mu              sync.RWMutex
}

// TaskManager tracks asynchronous tasks.
type TaskManager struct {
	tasks map[string]*Task
	mu    sync.RWMutex
}

func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks: make(map[string]*Task),
	}
}

// NewTask creates a task of the given kind, registers it, and returns it.
func (tm *TaskManager) NewTask(kind string) *Task {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	task := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    TaskStatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tm.tasks[task.ID] = task
	return task
}

// GetTask safely retrieves a task by its ID.
func (tm *TaskManager) GetTask(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, found := tm.tasks[id]
	return task, found
}

// List returns snapshots of every task, oldest first.
func (tm *TaskManager) List() []TaskView {
	tm.mu.RLock()
	out := make([]TaskView, 0, len(tm.tasks))
	for _, t := range tm.tasks {
		out = append(out, t.View())
	}
	tm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TaskView is a copy of a task safe to encode.
type TaskView struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Status          TaskStatus `json:"status"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	Error           string     `json:"error,omitempty"`
	Result          any        `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// View copies the task under its lock.
func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskView{
		ID:              t.ID,
		Kind:            t.Kind,
		Status:          t.Status,
		ProgressMessage: t.ProgressMessage,
		Error:           t.Error,
		Result:          t.Result,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// --- Methods for updating a Task ---

func (t *Task) SetStatus(status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
	t.UpdatedAt = time.Now()
}

// SetError marks the task as failed and records the error message.
func (t *Task) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusFailed
	t.Error = err.Error()
	t.UpdatedAt = time.Now()
}

func (t *Task) SetProgress(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ProgressMessage = message
	t.UpdatedAt = time.Now()
}

func (t *Task) SetResult(result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = result
	t.UpdatedAt = time.Now()
}
