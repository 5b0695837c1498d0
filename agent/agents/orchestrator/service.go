// Package orchestrator is the service boundary of the back office: it starts,
// resumes, reviews and cancels runs and serves their audit logs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	graphx "github.com/tanpawarit/cognitive-backoffice/agent/graph"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	nodex "github.com/tanpawarit/cognitive-backoffice/agent/nodes"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	toolx "github.com/tanpawarit/cognitive-backoffice/agent/tool"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxConcurrentRuns = 16

// Config is loaded with the APP prefix.
type Config struct {
	MaxIterations     int           `envconfig:"MAX_ITERATIONS" default:"10"`
	HITLTimeout       time.Duration `envconfig:"HITL_TIMEOUT" default:"24h"`
	NodeTimeout       time.Duration `envconfig:"NODE_TIMEOUT" default:"60s"`
	ClassifierTimeout time.Duration `envconfig:"CLASSIFIER_TIMEOUT" default:"30s"`
	CheckpointTimeout time.Duration `envconfig:"CHECKPOINT_TIMEOUT" default:"10s"`
	MaxConcurrentRuns int64         `envconfig:"MAX_CONCURRENT_RUNS" default:"16"`
	Store             string        `envconfig:"STORE" default:"memory"`
	ApprovalStore     string        `envconfig:"APPROVAL_STORE" default:"memory"`
	ClassifierBackend string        `envconfig:"CLASSIFIER" default:"eino"`
	AuditStore        string        `envconfig:"AUDIT_STORE" default:"log"`
	ExpirySweep       time.Duration `envconfig:"EXPIRY_SWEEP" default:"1m"`
}

func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: MAX_ITERATIONS must be > 0", contractx.ErrValidation)
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("%w: MAX_CONCURRENT_RUNS must be > 0", contractx.ErrValidation)
	}
	return nil
}

// Observer receives service-level measurements.
type Observer interface {
	ObserveRunStarted()
	ObserveApproval(status string)
	ActiveRuns(delta int)
}

// RunHandle is what callers get back for a run.
type RunHandle struct {
	RunID          string                `json:"run_id"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Status         statex.Status         `json:"status"`
	Response       string                `json:"response,omitempty"`
	ApprovalID     string                `json:"approval_id,omitempty"`
	Error          string                `json:"error,omitempty"`
	VisitedAgents  []string              `json:"visited_agents,omitempty"`
	GenUI          []statex.GenUIPayload `json:"genui,omitempty"`
	IterationCount int                   `json:"iteration_count"`
}

func handleOf(st *statex.RunState) *RunHandle {
	if st == nil {
		return nil
	}
	h := &RunHandle{
		RunID:          st.RunID,
		ConversationID: st.ConversationID,
		Status:         st.Status,
		Error:          st.Error,
		VisitedAgents:  append([]string(nil), st.VisitedAgents...),
		GenUI:          append([]statex.GenUIPayload(nil), st.GenUIPayloads...),
		IterationCount: st.IterationCount,
	}
	switch st.Status {
	case statex.StatusCompleted:
		h.Response = st.FinalResponse
	case statex.StatusSuspended:
		h.Response = st.CurrentResponse
		h.ApprovalID = st.HITLRequestID
	}
	return h
}

func handleOfOutcome(out *graphx.Outcome) *RunHandle {
	if out == nil {
		return nil
	}
	if out.State != nil {
		return handleOf(out.State)
	}
	return &RunHandle{RunID: out.RunID, Status: out.Status, Response: out.Response, ApprovalID: out.ApprovalID, Error: out.Error}
}

type activeRun struct {
	initial   *statex.RunState
	cancelled atomic.Bool
}

type Orchestrator struct {
	executor   *graphx.Executor
	approvals  *hitlx.Manager
	memory     contractx.MemoryStore
	objectives []toolx.Objective
	agents     []Agent
	observer   Observer

	startRunner  compose.Runnable[*statex.RunState, *graphx.Outcome]
	resumeRunner compose.Runnable[resumeInput, *graphx.Outcome]

	sem    *semaphore.Weighted
	active sync.Map
	wg     sync.WaitGroup

	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Orchestrator)

// WithMemory enables the read-memory step and post-run memory writes.
func WithMemory(m contractx.MemoryStore, objectives []toolx.Objective) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.memory = m
		}
		o.objectives = objectives
	}
}

func WithMaxConcurrentRuns(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(n)
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(executor *graphx.Executor, approvals *hitlx.Manager, opts ...Option) (*Orchestrator, error) {
	if executor == nil {
		return nil, errors.New("graph executor is required")
	}
	if approvals == nil {
		return nil, errors.New("approval manager is required")
	}

	o := &Orchestrator{
		executor:  executor,
		approvals: approvals,
		memory:    noopMemoryStore{},
		sem:       semaphore.NewWeighted(DefaultMaxConcurrentRuns),
		logger:    log.Logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	var err error
	if o.startRunner, err = o.compileStartGraph(context.Background()); err != nil {
		return nil, err
	}
	if o.resumeRunner, err = o.compileResumeGraph(context.Background()); err != nil {
		return nil, err
	}
	return o, nil
}

// StartRun creates a run from req. Synchronous calls return once the run
// completes, fails or suspends; async calls return immediately with a
// running handle and execute under the concurrency limit.
func (o *Orchestrator) StartRun(ctx context.Context, req statex.Request, async bool) (*RunHandle, error) {
	st, err := statex.New(req, o.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}
	run, err := o.acquire(st)
	if err != nil {
		return nil, err
	}

	if !async {
		defer o.release(st.RunID)
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer o.sem.Release(1)
		return o.start(ctx, st)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(st.RunID)

		bg := context.WithoutCancel(ctx)
		if err := o.sem.Acquire(bg, 1); err != nil {
			o.logger.Error().Err(err).Str("run_id", st.RunID).Msg("async run not scheduled")
			return
		}
		defer o.sem.Release(1)
		if run.cancelled.Load() {
			if _, err := o.executor.Cancel(bg, st, "Ejecución cancelada antes de iniciar"); err != nil {
				o.logger.Error().Err(err).Str("run_id", st.RunID).Msg("cancel queued run failed")
			}
			return
		}
		if _, err := o.start(bg, st); err != nil {
			o.logger.Error().Err(err).Str("run_id", st.RunID).Msg("async run failed")
		}
	}()
	return handleOf(st), nil
}

func (o *Orchestrator) start(ctx context.Context, st *statex.RunState) (*RunHandle, error) {
	o.logger.Info().Str("run_id", st.RunID).Str("triggered_by", st.TriggeredBy).Msg("run started")
	if o.observer != nil {
		o.observer.ObserveRunStarted()
	}
	out, err := o.startRunner.Invoke(ctx, st)
	if err != nil {
		return nil, err
	}
	return handleOfOutcome(out), nil
}

// ReviewApproval records a reviewer decision and resumes or closes the run.
// Once the decision is stored the follow-up no longer depends on ctx, so a
// caller that goes away cannot strand an approved run.
func (o *Orchestrator) ReviewApproval(ctx context.Context, approvalID string, status hitlx.Status, reviewer, notes string) (*RunHandle, error) {
	req, err := o.approvals.Review(ctx, approvalID, status, reviewer, notes)
	ctx = context.WithoutCancel(ctx)
	if errors.Is(err, contractx.ErrApprovalExpired) && req != nil {
		o.observeApproval(hitlx.StatusExpired)
		h, aerr := o.abort(ctx, req.RunID, contractx.ErrorCodeHITLExpired)
		if aerr != nil {
			return nil, aerr
		}
		return h, err
	}
	if err != nil {
		return nil, err
	}
	o.observeApproval(req.Status)
	return o.ResumeRun(ctx, approvalID)
}

// ResumeRun continues the run behind an approval. Approved runs re-enter
// the executor; rejected and expired ones are failed without running any
// node and the matching sentinel is returned alongside the handle.
func (o *Orchestrator) ResumeRun(ctx context.Context, approvalID string) (*RunHandle, error) {
	req, err := o.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case hitlx.StatusPending:
		if !req.DueAt(o.now()) {
			return nil, fmt.Errorf("%w: approval %s", contractx.ErrApprovalPending, approvalID)
		}
		if _, err := o.approvals.Expire(ctx, approvalID); err != nil && !errors.Is(err, hitlx.ErrConflict) {
			return nil, err
		}
		o.observeApproval(hitlx.StatusExpired)
		return o.closeRun(ctx, req.RunID, contractx.ErrorCodeHITLExpired, contractx.ErrApprovalExpired)
	case hitlx.StatusRejected:
		return o.closeRun(ctx, req.RunID, contractx.ErrorCodeHITLRejected, contractx.ErrApprovalRejected)
	case hitlx.StatusExpired:
		return o.closeRun(ctx, req.RunID, contractx.ErrorCodeHITLExpired, contractx.ErrApprovalExpired)
	}

	st, err := o.executor.Load(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if st.Status != statex.StatusSuspended || st.HITLRequestID != approvalID {
		// Already resumed, or closed some other way.
		return handleOf(st), nil
	}

	if _, err := o.acquire(st); err != nil {
		return nil, err
	}
	defer o.release(st.RunID)
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.sem.Release(1)

	o.logger.Info().Str("run_id", st.RunID).Str("approval_id", approvalID).Msg("run resumed")
	out, err := o.resumeRunner.Invoke(ctx, resumeInput{
		State:      st,
		ApprovalID: approvalID,
		Reviewer:   req.ReviewerID,
	})
	if err != nil {
		return nil, err
	}
	return handleOfOutcome(out), nil
}

func (o *Orchestrator) closeRun(ctx context.Context, runID, code string, sentinel error) (*RunHandle, error) {
	h, err := o.abort(ctx, runID, code)
	if err != nil {
		return nil, err
	}
	return h, fmt.Errorf("%w: run %s", sentinel, runID)
}

func (o *Orchestrator) abort(ctx context.Context, runID, code string) (*RunHandle, error) {
	st, err := o.executor.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return handleOf(st), nil
	}
	out, err := o.executor.Abort(ctx, st, code)
	if err != nil {
		return nil, err
	}
	o.logger.Warn().Str("run_id", runID).Str("error", code).Msg("run closed without resuming")
	return handleOfOutcome(out), nil
}

// CancelRun flags an executing run for cooperative cancellation, or cancels
// a parked one directly.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	if v, ok := o.active.Load(runID); ok {
		v.(*activeRun).cancelled.Store(true)
		o.logger.Info().Str("run_id", runID).Msg("run cancellation requested")
		return nil
	}

	st, err := o.executor.Load(ctx, runID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", contractx.ErrNotCancellable, runID, st.Status)
	}
	if _, err := o.executor.Cancel(ctx, st, "Ejecución cancelada por el usuario"); err != nil {
		return err
	}
	return nil
}

// ExpireApprovals sweeps due approvals and fails their runs.
func (o *Orchestrator) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := o.approvals.ExpireDue(ctx)
	if err != nil {
		return 0, err
	}
	for _, req := range expired {
		o.observeApproval(hitlx.StatusExpired)
		if _, err := o.abort(ctx, req.RunID, contractx.ErrorCodeHITLExpired); err != nil {
			o.logger.Error().Err(err).Str("approval_id", req.ID).Str("run_id", req.RunID).Msg("expire run failed")
		}
	}
	return len(expired), nil
}

// ExpireApproval handles a scheduled expiry callback for one approval.
func (o *Orchestrator) ExpireApproval(ctx context.Context, approvalID string) (*RunHandle, error) {
	req, err := o.approvals.Expire(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.Status != hitlx.StatusExpired {
		st, err := o.executor.Load(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		return handleOf(st), nil
	}
	o.observeApproval(hitlx.StatusExpired)
	return o.abort(ctx, req.RunID, contractx.ErrorCodeHITLExpired)
}

func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*statex.RunState, error) {
	st, err := o.executor.Load(ctx, runID)
	if errors.Is(err, contractx.ErrRunNotFound) {
		if v, ok := o.active.Load(runID); ok {
			return v.(*activeRun).initial.Clone()
		}
	}
	return st, err
}

func (o *Orchestrator) GetAuditLog(ctx context.Context, runID string) ([]statex.AuditEntry, error) {
	st, err := o.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return st.BrainLog, nil
}

func (o *Orchestrator) GetApproval(ctx context.Context, approvalID string) (*hitlx.Request, error) {
	return o.approvals.Get(ctx, approvalID)
}

func (o *Orchestrator) ListPendingApprovals(ctx context.Context, limit int) ([]*hitlx.Request, error) {
	return o.approvals.ListPending(ctx, limit)
}

// Wait blocks until every async run started so far has halted or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) readMemory(ctx context.Context, st *statex.RunState) (*statex.RunState, error) {
	fn, err := nodex.ReadMemory(ctx, st, o.memory, o.objectives)
	if err != nil {
		o.logger.Warn().Err(err).Str("run_id", st.RunID).Msg("memory unavailable, continuing without it")
		msg := fmt.Sprintf("Memoria no disponible: %v", err)
		fn = func(s *statex.RunState) (*statex.RunState, error) {
			return s.LogError(msg, nodex.ReadMemoryStep), nil
		}
	}
	return o.executor.Evolve(ctx, st, fn, nodex.ReadMemoryStep)
}

func (o *Orchestrator) writeMemory(ctx context.Context, out *graphx.Outcome) *graphx.Outcome {
	if out == nil || out.State == nil {
		return out
	}
	if err := nodex.WriteMemory(ctx, out.State, o.memory); err != nil {
		o.logger.Warn().Err(err).Str("run_id", out.RunID).Msg("memory write failed")
	}
	return out
}

func (o *Orchestrator) cancelSignal(runID string) func() bool {
	return func() bool {
		v, ok := o.active.Load(runID)
		return ok && v.(*activeRun).cancelled.Load()
	}
}

func (o *Orchestrator) acquire(st *statex.RunState) (*activeRun, error) {
	run := &activeRun{initial: st}
	if _, loaded := o.active.LoadOrStore(st.RunID, run); loaded {
		return nil, fmt.Errorf("%w: %s", contractx.ErrRunActive, st.RunID)
	}
	if o.observer != nil {
		o.observer.ActiveRuns(1)
	}
	return run, nil
}

func (o *Orchestrator) release(runID string) {
	o.active.Delete(runID)
	if o.observer != nil {
		o.observer.ActiveRuns(-1)
	}
}

func (o *Orchestrator) observeApproval(status hitlx.Status) {
	if o.observer != nil {
		o.observer.ObserveApproval(string(status))
	}
}

type noopMemoryStore struct{}

func (noopMemoryStore) Search(context.Context, string, int) ([]statex.Memory, error) {
	return nil, nil
}

func (noopMemoryStore) Remember(context.Context, statex.Memory) error {
	return nil
}
