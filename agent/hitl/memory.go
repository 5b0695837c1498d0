package hitl

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Create(_ context.Context, req *Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return "", conflictError(req.ID, s.requests[req.ID].Status)
	}
	s.requests[req.ID] = copyRequest(req)
	return req.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(req), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, review Review) (*Request, error) {
	if err := review.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		return nil, conflictError(id, req.Status)
	}
	at := review.At.UTC()
	req.Status = review.Status
	req.ReviewerID = review.ReviewerID
	req.ReviewNotes = review.Notes
	req.ReviewedAt = &at
	return copyRequest(req), nil
}

// ListPending returns pending requests ordered by expiry, soonest first.
func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, 0)
	for _, req := range s.requests {
		if req.Status == StatusPending {
			out = append(out, copyRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Counts(_ context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := newCounts()
	for _, req := range s.requests {
		out[req.Status]++
	}
	return out, nil
}
