package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps queue items in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*QueueItem
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*QueueItem),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, item *QueueItem) error {
	if item == nil || item.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("review: create %s: %w", item.ID, ErrAlreadyExists)
	}
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*QueueItem, int, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	matched := make([]*QueueItem, 0, len(s.items))
	for _, item := range s.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.ChannelID != "" && item.ChannelID != filter.ChannelID {
			continue
		}
		matched = append(matched, item)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*QueueItem{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	page := make([]*QueueItem, 0, end-filter.Offset)
	for _, item := range matched[filter.Offset:end] {
		page = append(page, item.Clone())
	}
	return page, total, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, expected Status, mutator Mutator) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != expected {
		return nil, conflict(expected, current.Status)
	}
	next, err := applyMutator(current, mutator, s.now())
	if err != nil {
		return nil, err
	}
	s.items[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Counts(_ context.Context) (StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := StatusCounts{ByStatus: make(map[Status]int)}
	for _, item := range s.items {
		counts.ByStatus[item.Status]++
		if item.Confidence != nil {
			counts.ConfidenceSum += *item.Confidence
			counts.ConfidenceCount++
		}
	}
	return counts, nil
}

func (s *MemoryStore) StaleGenerating(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, item := range s.items {
		if item.Status != StatusGenerating {
			continue
		}
		if item.GenerationStartedAt == nil || item.GenerationStartedAt.Before(cutoff) {
			ids = append(ids, item.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
