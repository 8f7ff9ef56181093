// Package queue holds the job queue contract the scheduler submits work through.
// The scheduler only enqueues; workers elsewhere dequeue and execute.
package queue

import (
	"context"
	"time"
)

// Job is one unit of work submitted to a named queue.
type Job struct {
	ID      string                 // stable id; workers use it to update the audit row
	Queue   string                 // queue name, e.g. "scraping"
	Type    string                 // type tag selecting the worker handler
	Args    map[string]interface{} // handler arguments
	Timeout time.Duration          // execution timeout applied by the worker
}

// JobHandle identifies an accepted submission.
type JobHandle struct {
	ID         string
	Queue      string
	EnqueuedAt time.Time
}

// Queue is the submission side of the job queue.
type Queue interface {
	// Enqueue submits job and returns its handle.
	Enqueue(ctx context.Context, job Job) (*JobHandle, error)

	// Len returns the number of jobs waiting in the named queue.
	Len(ctx context.Context, queue string) (int64, error)

	// Ping verifies the queue backend is reachable.
	Ping(ctx context.Context) error
}
