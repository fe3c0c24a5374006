package domain

import (
	"context"
	"time"
)

// Task is a scheduled command. Schedule is a cron expression or "HH:MM".
type Task struct {
	ID          string     `json:"id"`
	Schedule    string     `json:"schedule"`
	Command     string     `json:"command"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastResult  string     `json:"last_result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]Task, error)
	SaveTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, id string) error
}
