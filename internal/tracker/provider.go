package tracker

import "context"

// Item is one work item as seen by the external tracker.
type Item struct {
	Number       int    `json:"number"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	ParentNumber int    `json:"parentNumber,omitempty"`
}

// StatusSource is the external status tracker contract the orchestration
// core consumes. Implementations must be safe to call repeatedly;
// FetchStatuses returns a partial map for unknown items rather than failing
// the whole batch.
type StatusSource interface {
	// Name returns the display name of the tracker.
	Name() string

	// FetchStatuses returns the current status for each of the given work
	// items in one batched call. Items the tracker does not know are simply
	// absent from the result.
	FetchStatuses(ctx context.Context, numbers []int) (map[int]string, error)

	// GetItem returns one work item.
	GetItem(ctx context.Context, number int) (*Item, error)

	// GetChildren returns the direct children of a work item.
	GetChildren(ctx context.Context, number int) ([]*Item, error)
}
