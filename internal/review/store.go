package review

import (
	"context"
	"time"
)

// Mutator edits an item inside an atomic Update. Returning an error aborts the update.
type Mutator func(item *QueueItem) error

// Store persists queue items. Update is the only mutation primitive for
// existing items and must be atomic per item.
type Store interface {
	Create(ctx context.Context, item *QueueItem) error
	Get(ctx context.Context, id string) (*QueueItem, error)
	List(ctx context.Context, filter ListFilter) ([]*QueueItem, int, error)
	// Update applies mutator only if the item's current status equals expected.
	// It returns ErrNotFound or a *ConflictError otherwise.
	Update(ctx context.Context, id string, expected Status, mutator Mutator) (*QueueItem, error)
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context) (StatusCounts, error)
	// StaleGenerating returns ids of items in generating whose lease started before cutoff.
	StaleGenerating(ctx context.Context, cutoff time.Time) ([]string, error)
}

// applyMutator runs mutator on a copy and keeps identity fields fixed.
func applyMutator(current *QueueItem, mutator Mutator, now time.Time) (*QueueItem, error) {
	next := current.Clone()
	if err := mutator(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if !next.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: "unknown status " + string(next.Status)}
	}
	next.UpdatedAt = now
	return next, nil
}
