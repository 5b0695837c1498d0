// Package hitl holds approval requests for runs suspended on a human decision.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrInvalidRequest = errors.New("invalid approval request")
	ErrInvalidStatus  = errors.New("invalid approval status transition")
	ErrConflict       = contractx.ErrApprovalConflict
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Request is an approval request; Context and ProposedAction are opaque to the store.
type Request struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	Node           string         `json:"node"`
	Reason         string         `json:"reason"`
	Context        map[string]any `json:"context,omitempty"`
	ProposedAction map[string]any `json:"proposed_action,omitempty"`
	Status         Status         `json:"status"`
	ReviewerID     string         `json:"reviewer_id,omitempty"`
	ReviewNotes    string         `json:"review_notes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
}

// DueAt reports whether a pending request has passed its expiry.
func (r *Request) DueAt(now time.Time) bool {
	return r != nil && r.Status == StatusPending && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r *Request) validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidRequest)
	}
	if r.Status != StatusPending {
		return fmt.Errorf("%w: new requests must be pending, got %q", ErrInvalidRequest, r.Status)
	}
	if r.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiry is required", ErrInvalidRequest)
	}
	return nil
}

// Review is the decision applied by Store.Transition.
type Review struct {
	Status     Status
	ReviewerID string
	Notes      string
	At         time.Time
}

func (r Review) validate() error {
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: cannot move to %q", ErrInvalidStatus, r.Status)
	}
	return nil
}

// Store persists approval requests. Transition succeeds only for the first
// caller that moves a pending request; later callers get ErrConflict.
type Store interface {
	Create(ctx context.Context, req *Request) (string, error)
	Get(ctx context.Context, id string) (*Request, error)
	Transition(ctx context.Context, id string, review Review) (*Request, error)
	ListPending(ctx context.Context, limit int) ([]*Request, error)
	Counts(ctx context.Context) (Counts, error)
}

// Counts is the number of requests in each status.
type Counts map[Status]int

func newCounts() Counts {
	return Counts{StatusPending: 0, StatusApproved: 0, StatusRejected: 0, StatusExpired: 0}
}

func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

func conflictError(id string, current Status) error {
	return fmt.Errorf("%w: approval %s is %s", ErrConflict, id, current)
}

func copyRequest(r *Request) *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = copyMap(r.Context)
	out.ProposedAction = copyMap(r.ProposedAction)
	if r.ReviewedAt != nil {
		at := *r.ReviewedAt
		out.ReviewedAt = &at
	}
	return &out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
