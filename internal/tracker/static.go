package tracker

import (
	"context"
	"fmt"
	"sync"
)

// StaticProvider serves an in-memory item table. Used for local development
// and as the test double for the orchestration loop.
type StaticProvider struct {
	mu    sync.Mutex
	items map[int]*Item
}

func NewStaticProvider(items ...*Item) *StaticProvider {
	p := &StaticProvider{items: make(map[int]*Item)}
	for _, item := range items {
		cp := *item
		p.items[item.Number] = &cp
	}
	return p
}

func (p *StaticProvider) Name() string {
	return "static"
}

// SetStatus changes an item's status, simulating external movement.
func (p *StaticProvider) SetStatus(number int, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[number]; ok {
		item.Status = status
	}
}

func (p *StaticProvider) FetchStatuses(_ context.Context, numbers []int) (map[int]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	statuses := make(map[int]string)
	for _, n := range numbers {
		if item, ok := p.items[n]; ok {
			statuses[n] = item.Status
		}
	}
	return statuses, nil
}

func (p *StaticProvider) GetItem(_ context.Context, number int) (*Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[number]
	if !ok {
		return nil, &NotFoundError{Number: number}
	}
	cp := *item
	return &cp, nil
}

func (p *StaticProvider) GetChildren(_ context.Context, number int) ([]*Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Item
	for _, item := range p.items {
		if item.ParentNumber == number {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

// NotFoundError reports a work item the tracker does not know.
type NotFoundError struct {
	Number int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("work item %d not found", e.Number)
}
