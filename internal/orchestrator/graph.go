package orchestrator

import (
	"context"
	"fmt"

	"github.com/arizonacoders/claude-flow/internal/tracker"
)

// BuildGraph fetches the root work item and all of its descendants from the
// tracker, each carrying its current external status. The root comes first;
// descendants follow in breadth-first order.
func BuildGraph(ctx context.Context, source tracker.StatusSource, rootNumber int) ([]*tracker.Item, error) {
	root, err := source.GetItem(ctx, rootNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch root item %d: %w", rootNumber, err)
	}

	graph := []*tracker.Item{root}
	seen := map[int]bool{rootNumber: true}
	queue := []int{rootNumber}

	for len(queue) > 0 {
		number := queue[0]
		queue = queue[1:]

		children, err := source.GetChildren(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("fetch children of %d: %w", number, err)
		}
		for _, child := range children {
			if seen[child.Number] {
				continue
			}
			seen[child.Number] = true
			graph = append(graph, child)
			queue = append(queue, child.Number)
		}
	}

	return graph, nil
}
