// Package queue delivers job tasks to workers with at-least-once semantics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrQueueEmpty is returned by Dequeue when no task arrived within the poll window.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrMalformedTask is returned by Dequeue when a delivery could not be decoded; the
	// delivery has already been dropped.
	ErrMalformedTask = errors.New("malformed task")
)

var taskValidator = validator.New()

// Task is the payload carried by the queue. It references a jobs row; the store holds the details.
type Task struct {
	ID           string    `json:"id" validate:"required"`
	JobID        string    `json:"job_id" validate:"required"`
	JobType      string    `json:"job_type" validate:"required,oneof=evaluate_pair ingest_attack functional_check_defense"`
	RunID        string    `json:"run_id,omitempty" validate:"required_if=JobType evaluate_pair"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Redelivered  int       `json:"redelivered"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued task plus the backend handle needed to acknowledge it.
type Delivery struct {
	Task Task

	raw    string
	handle interface{}
}

// Queue is the worker-facing contract shared by every backend.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, delivery *Delivery) error
	Nack(ctx context.Context, delivery *Delivery) error
	Close() error
}

// Recoverer is implemented by backends that need an explicit sweep to redeliver abandoned tasks.
type Recoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

func encodeTask(task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	if err := taskValidator.Struct(task); err != nil {
		return "", fmt.Errorf("invalid task: %w", err)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(payload), nil
}

func decodeTask(raw []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if err := taskValidator.Struct(task); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	return task, nil
}
