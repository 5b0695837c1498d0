package hitl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout    = 24 * time.Hour
	brainLogSummaryN  = 5
	expirySweepLimit  = 4
	defaultSweepBatch = 100
)

// ExpiryScheduler arranges an out-of-band Expire call at the given time.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, approvalID string, at time.Time) error
}

type Manager struct {
	store     Store
	timeout   time.Duration
	scheduler ExpiryScheduler
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

type ManagerOption func(*Manager)

func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithScheduler(s ExpiryScheduler) ManagerOption {
	return func(m *Manager) {
		m.scheduler = s
	}
}

func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func NewManager(store Store, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("approval store is required")
	}
	m := &Manager{
		store:   store,
		timeout: DefaultTimeout,
		logger:  log.Logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func (m *Manager) Store() Store {
	return m.store
}

// Suspend creates a pending approval request for a run flagged for review.
func (m *Manager) Suspend(ctx context.Context, st *statex.RunState) (*Request, error) {
	if st == nil {
		return nil, statex.ErrNilRunState
	}
	if !st.RequiresHITL {
		return nil, fmt.Errorf("%w: run %s does not require approval", ErrInvalidRequest, st.RunID)
	}

	now := m.now().UTC()
	req := &Request{
		ID:             m.newID(),
		RunID:          st.RunID,
		Node:           requestingNode(st),
		Reason:         st.HITLReason,
		Context:        requestContext(st),
		ProposedAction: proposedAction(st),
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.timeout),
	}
	id, err := m.store.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("hitl: create approval for run %s: %w", st.RunID, err)
	}
	req.ID = id

	m.logger.Info().
		Str("approval_id", id).
		Str("run_id", st.RunID).
		Str("reason", st.HITLReason).
		Time("expires_at", req.ExpiresAt).
		Msg("hitl request created")

	if m.scheduler != nil {
		if err := m.scheduler.ScheduleExpiry(ctx, id, req.ExpiresAt); err != nil {
			m.logger.Warn().Err(err).Str("approval_id", id).Msg("hitl expiry callback not scheduled")
		}
	}
	return req, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	return m.store.ListPending(ctx, limit)
}

func (m *Manager) Counts(ctx context.Context) (Counts, error) {
	return m.store.Counts(ctx)
}

// Review approves or rejects a pending request. A request already past its
// expiry is moved to expired instead and ErrApprovalExpired is returned.
func (m *Manager) Review(ctx context.Context, id string, status Status, reviewer, notes string) (*Request, error) {
	if status != StatusApproved && status != StatusRejected {
		return nil, fmt.Errorf("%w: review must approve or reject, got %q", ErrInvalidStatus, status)
	}
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if current.DueAt(now) {
		expired, err := m.expire(ctx, id, now)
		if err != nil {
			return nil, err
		}
		return expired, fmt.Errorf("%w: approval %s", contractx.ErrApprovalExpired, id)
	}

	updated, err := m.store.Transition(ctx, id, Review{
		Status:     status,
		ReviewerID: strings.TrimSpace(reviewer),
		Notes:      notes,
		At:         now,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("approval_id", id).
		Str("run_id", updated.RunID).
		Str("status", string(status)).
		Str("reviewer", updated.ReviewerID).
		Msg("hitl request reviewed")
	return updated, nil
}

// Expire moves a due pending request to expired. Requests that are not yet
// due, or already resolved, are returned unchanged.
func (m *Manager) Expire(ctx context.Context, id string) (*Request, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if !current.DueAt(now) {
		return current, nil
	}
	return m.expire(ctx, id, now)
}

// ExpireDue expires every pending request past its deadline and returns the
// ones this call moved.
func (m *Manager) ExpireDue(ctx context.Context) ([]*Request, error) {
	pending, err := m.store.ListPending(ctx, defaultSweepBatch)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()

	due := make([]*Request, 0, len(pending))
	for _, req := range pending {
		if req.DueAt(now) {
			due = append(due, req)
		}
	}

	results := make([]*Request, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expirySweepLimit)
	for i, req := range due {
		i, id := i, req.ID
		g.Go(func() error {
			out, err := m.expire(gctx, id, now)
			if errors.Is(err, ErrConflict) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	expired := make([]*Request, 0, len(results))
	for _, r := range results {
		if r != nil {
			expired = append(expired, r)
		}
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, id string, now time.Time) (*Request, error) {
	out, err := m.store.Transition(ctx, id, Review{
		Status: StatusExpired,
		Notes:  "timeout",
		At:     now,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Warn().Str("approval_id", id).Str("run_id", out.RunID).Msg("hitl request expired")
	return out, nil
}

func requestingNode(st *statex.RunState) string {
	if st.PendingAction != nil && st.PendingAction.Node != "" {
		return st.PendingAction.Node
	}
	if n := len(st.VisitedAgents); n > 0 {
		return st.VisitedAgents[n-1]
	}
	return ""
}

func requestContext(st *statex.RunState) map[string]any {
	out := map[string]any{
		"user_message":     st.UserMessage,
		"visited_agents":   append([]string(nil), st.VisitedAgents...),
		"current_response": st.CurrentResponse,
	}
	if st.OKRContext != nil {
		out["okr_context"] = st.OKRContext
	}
	return out
}

func proposedAction(st *statex.RunState) map[string]any {
	summary := make([]string, 0, brainLogSummaryN)
	for _, e := range st.RecentEntries(brainLogSummaryN) {
		summary = append(summary, e.Content)
	}
	out := map[string]any{
		"response":          st.CurrentResponse,
		"brain_log_summary": summary,
	}
	if a := st.PendingAction; a != nil {
		out["node"] = a.Node
		if a.Tool != "" {
			out["tool"] = a.Tool
		}
		if len(a.Args) > 0 {
			out["args"] = a.Args
		}
	}
	return out
}
