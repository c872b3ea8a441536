// Package queue hands pending import job ids from the submitting process to workers.
package queue

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of job ids. Dequeue blocks until an id is available, the
// context ends or the queue is closed.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	Dequeue(ctx context.Context) (uuid.UUID, error)
	// Remove drops a job that has not been picked up yet and reports whether it was queued.
	Remove(ctx context.Context, jobID uuid.UUID) (bool, error)
	Close() error
}
