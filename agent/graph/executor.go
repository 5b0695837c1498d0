package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	checkpointx "github.com/tanpawarit/cognitive-backoffice/agent/checkpoint"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	"github.com/tanpawarit/cognitive-backoffice/agent/dsee"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	routerx "github.com/tanpawarit/cognitive-backoffice/agent/router"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrNoNodes = errors.New("executor needs at least one node")

// Router picks the first node of a fresh run.
type Router interface {
	Route(ctx context.Context, st *statex.RunState) contractx.Decision
}

// Suspender creates the approval request of a run flagged for review.
type Suspender interface {
	Suspend(ctx context.Context, st *statex.RunState) (*hitlx.Request, error)
}

// Observer receives run-level measurements.
type Observer interface {
	ObserveRun(status statex.Status, duration time.Duration)
	ObserveStaleCheckpoint()
}

// Outcome is what a caller gets back from Run: a final response, a
// suspension with its approval id, or an explicit failure or cancellation.
type Outcome struct {
	RunID      string           `json:"run_id"`
	Status     statex.Status    `json:"status"`
	Response   string           `json:"response,omitempty"`
	ApprovalID string           `json:"approval_id,omitempty"`
	Error      string           `json:"error,omitempty"`
	State      *statex.RunState `json:"-"`
}

func outcomeOf(st *statex.RunState) *Outcome {
	out := &Outcome{
		RunID:  st.RunID,
		Status: st.Status,
		Error:  st.Error,
		State:  st,
	}
	switch st.Status {
	case statex.StatusCompleted:
		out.Response = st.FinalResponse
	case statex.StatusSuspended:
		out.Response = st.CurrentResponse
		out.ApprovalID = st.HITLRequestID
	}
	return out
}

type Executor struct {
	router        Router
	nodes         map[string]contractx.Node
	engine        *dsee.Engine
	checkpoints   *checkpointer
	approvals     Suspender
	sink          contractx.AuditSink
	observer      Observer
	transitions   dsee.Observer
	maxIterations int
	cpTimeout     time.Duration
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

type Option func(*Executor)

func WithMaxIterations(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

func WithApprovals(s Suspender) Option {
	return func(e *Executor) {
		e.approvals = s
	}
}

func WithAuditSink(s contractx.AuditSink) Option {
	return func(e *Executor) {
		e.sink = s
	}
}

func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

func WithTransitionObserver(o dsee.Observer) Option {
	return func(e *Executor) {
		e.transitions = o
	}
}

func WithCheckpointTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.cpTimeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func New(router Router, nodes map[string]contractx.Node, store checkpointx.Store, opts ...Option) (*Executor, error) {
	if router == nil {
		return nil, fmt.Errorf("%w: router is required", contractx.ErrValidation)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", contractx.ErrValidation)
	}
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	e := &Executor{
		router:        router,
		nodes:         make(map[string]contractx.Node, len(nodes)),
		maxIterations: DefaultMaxIterations,
		cpTimeout:     DefaultCheckpointTimeout,
		logger:        log.Logger,
		tracer:        otel.Tracer("github.com/tanpawarit/cognitive-backoffice/agent/graph"),
		now:           time.Now,
	}
	for name, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("%w: node %q is nil", contractx.ErrValidation, name)
		}
		e.nodes[name] = n
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	e.checkpoints = newCheckpointer(store, e.cpTimeout, &e.logger, e.now, e.staleObserved)
	e.engine = dsee.New(
		dsee.WithPersist(e.checkpoints.save),
		dsee.WithObserver(e.transitions),
		dsee.WithLogger(e.logger),
		dsee.WithTracer(e.tracer),
		dsee.WithClock(e.now),
	)
	return e, nil
}

func (e *Executor) MaxIterations() int {
	return e.maxIterations
}

// Load returns the latest checkpointed state of a run.
func (e *Executor) Load(ctx context.Context, runID string) (*statex.RunState, error) {
	return e.checkpoints.load(ctx, runID)
}

// List returns the latest state of every run matching filter, most recently
// started first.
func (e *Executor) List(ctx context.Context, filter checkpointx.RunFilter) ([]*statex.RunState, error) {
	return e.checkpoints.list(ctx, filter)
}

// Evolve applies fn through the transition engine, persists the result and
// forwards the new audit entries to the sink.
func (e *Executor) Evolve(ctx context.Context, st *statex.RunState, fn statex.Transition, name string) (*statex.RunState, error) {
	if st == nil {
		return nil, statex.ErrNilRunState
	}
	from := st.AuditLen()
	out, err := e.engine.Evolve(ctx, st, fn, name)
	if out != nil {
		e.emit(ctx, out, from)
	}
	return out, err
}

type runOptions struct {
	cancelled func() bool
}

type RunOption func(*runOptions)

// WithCancelSignal is checked before every node invocation.
func WithCancelSignal(fn func() bool) RunOption {
	return func(o *runOptions) {
		o.cancelled = fn
	}
}

// Run drives st until it ends, suspends or is cancelled. The returned error
// is non-nil only when the run could not be brought to a persisted halt.
func (e *Executor) Run(ctx context.Context, st *statex.RunState, opts ...RunOption) (*Outcome, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return outcomeOf(st), nil
	}
	ro := runOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}

	ctx, span := e.tracer.Start(ctx, "graph.run", trace.WithAttributes(
		attribute.String("run_id", st.RunID),
		attribute.Int("iteration", st.IterationCount),
	))
	defer span.End()

	start := e.now()
	logger := e.logger.With().Str("run_id", st.RunID).Logger()

	out, err := e.loop(ctx, st, ro, logger)
	if out != nil {
		span.SetAttributes(attribute.String("status", string(out.Status)))
		if out.Status != statex.StatusRunning {
			if e.observer != nil {
				e.observer.ObserveRun(out.Status, e.now().Sub(start))
			}
			e.checkpoints.forget(st.RunID)
		}
		logger.Info().
			Str("status", string(out.Status)).
			Str("approval_id", out.ApprovalID).
			Int("iteration", out.State.IterationCount).
			Dur("duration", e.now().Sub(start)).
			Msg("run halted")
	}
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (e *Executor) loop(ctx context.Context, st *statex.RunState, ro runOptions, logger zerolog.Logger) (*Outcome, error) {
	current := st
	if needsRouting(current) {
		if e.cancelRequested(ctx, ro) {
			return e.cancel(ctx, current, "")
		}
		d := e.router.Route(ctx, current)
		next, err := e.Evolve(ctx, current, routerx.Transition(d), routerx.NodeName)
		if out, halted, herr := e.handle(ctx, current, next, err); halted {
			return out, herr
		}
		current = next
	}

	for {
		target := Decide(current, e.maxIterations)
		// Suspend and end are nodes too: a cancel raised during the last
		// department must not leave a live approval request behind.
		if e.cancelRequested(ctx, ro) {
			return e.cancel(ctx, current, "")
		}
		switch target {
		case TargetEnd:
			return e.end(ctx, current, "")
		case TargetSuspend:
			return e.suspend(ctx, current)
		}

		name, _ := target.Node()

		node, ok := e.nodes[name]
		if !ok {
			logger.Warn().Str("node", name).Msg("next agent is not registered")
			return e.end(ctx, current, fmt.Sprintf("%v: %s", contractx.ErrUnknownNode, name))
		}

		upd, err := node.Run(ctx, current)
		if err != nil {
			upd = statex.Update{
				Node:    name,
				Entries: []statex.AuditEntry{statex.Error(fmt.Sprintf("Error en %s: %v", name, err), name)},
				Err:     fmt.Sprintf("Error en %s: %v", name, err),
			}
		}
		if upd.Node == "" {
			upd.Node = name
		}
		next, err := e.Evolve(ctx, current, upd.Transition(), name)
		if out, halted, herr := e.handle(ctx, current, next, err); halted {
			return out, herr
		}
		current = next
	}
}

// handle inspects an Evolve result. Transition failures end the run as
// failed; persistence failures stop without another write.
func (e *Executor) handle(ctx context.Context, before, after *statex.RunState, err error) (*Outcome, bool, error) {
	if err == nil {
		return nil, false, nil
	}
	if errors.Is(err, contractx.ErrTransition) {
		out, endErr := e.end(ctx, after, err.Error())
		return out, true, endErr
	}
	failed := after
	if failed == nil {
		failed = before
	}
	failed.Error = err.Error()
	failed.Status = statex.StatusFailed
	e.logger.Error().Err(err).Str("run_id", failed.RunID).Msg("run halted on checkpoint failure")
	return outcomeOf(failed), true, err
}

func (e *Executor) end(ctx context.Context, st *statex.RunState, failure string) (*Outcome, error) {
	out, err := e.Evolve(ctx, st, endTransition(failure, e.maxIterations), NodeEnd)
	if err != nil {
		if out == nil {
			out = st
		}
		out.Status = statex.StatusFailed
		if out.Error == "" {
			out.Error = err.Error()
		}
		return outcomeOf(out), err
	}
	return outcomeOf(out), nil
}

// suspend creates the approval request and parks the run. A run that already
// references its request is returned as is.
func (e *Executor) suspend(ctx context.Context, st *statex.RunState) (*Outcome, error) {
	if st.Status == statex.StatusSuspended && st.HITLRequestID != "" {
		return outcomeOf(st), nil
	}
	if e.approvals == nil {
		return e.end(ctx, st, "HITL error: no approval manager configured")
	}
	req, err := e.approvals.Suspend(ctx, st)
	if err != nil {
		return e.end(ctx, st, fmt.Sprintf("HITL error: %v", err))
	}

	out, err := e.Evolve(ctx, st, suspendTransition(Approval{
		ID:        req.ID,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	}), NodeSuspend)
	if err != nil {
		o, _, herr := e.handle(ctx, st, out, err)
		return o, herr
	}
	return outcomeOf(out), nil
}

// Resume approves a suspended run and drives it again.
func (e *Executor) Resume(ctx context.Context, st *statex.RunState, approvalID, reviewer string, opts ...RunOption) (*Outcome, error) {
	if st == nil {
		return nil, statex.ErrNilRunState
	}
	next, err := e.Evolve(ctx, st, Approve(approvalID, reviewer), NodeResume)
	if err != nil {
		if errors.Is(err, contractx.ErrTransition) {
			return outcomeOf(st), err
		}
		return nil, err
	}
	return e.Run(ctx, next, opts...)
}

// Abort fails a run without invoking any node, e.g. after a rejected or
// expired approval.
func (e *Executor) Abort(ctx context.Context, st *statex.RunState, code string) (*Outcome, error) {
	if st == nil {
		return nil, statex.ErrNilRunState
	}
	if st.Status.Terminal() {
		return outcomeOf(st), nil
	}
	out, err := e.end(context.WithoutCancel(ctx), st, strings.TrimSpace(code))
	e.finished(out)
	return out, err
}

// Cancel persists a cancelled state for a run that is not executing, such as
// one suspended on an approval.
func (e *Executor) Cancel(ctx context.Context, st *statex.RunState, reason string) (*Outcome, error) {
	out, err := e.cancel(ctx, st, reason)
	if err == nil {
		e.finished(out)
	}
	return out, err
}

// cancel uses a non-cancelled context so the write lands even when ctx is
// what triggered the cancellation.
func (e *Executor) cancel(ctx context.Context, st *statex.RunState, reason string) (*Outcome, error) {
	if st == nil {
		return nil, statex.ErrNilRunState
	}
	if st.Status.Terminal() {
		return outcomeOf(st), fmt.Errorf("%w: run %s is %s", contractx.ErrNotCancellable, st.RunID, st.Status)
	}
	out, err := e.Evolve(context.WithoutCancel(ctx), st, cancelTransition(reason), NodeCancel)
	if err != nil {
		if out == nil {
			out = st
		}
		return outcomeOf(out), err
	}
	e.logger.Info().Str("run_id", st.RunID).Msg("run cancelled")
	return outcomeOf(out), nil
}

func (e *Executor) finished(o *Outcome) {
	if o == nil {
		return
	}
	if e.observer != nil {
		e.observer.ObserveRun(o.Status, e.now().Sub(o.State.CreatedAt))
	}
	e.checkpoints.forget(o.RunID)
}

func (e *Executor) cancelRequested(ctx context.Context, ro runOptions) bool {
	if ctx.Err() != nil {
		return true
	}
	return ro.cancelled != nil && ro.cancelled()
}

func (e *Executor) emit(ctx context.Context, st *statex.RunState, from int) {
	if e.sink == nil || from >= len(st.BrainLog) {
		return
	}
	entries := append([]statex.AuditEntry(nil), st.BrainLog[from:]...)
	if err := e.sink.Append(context.WithoutCancel(ctx), st.RunID, entries); err != nil {
		e.logger.Warn().Err(err).Str("run_id", st.RunID).Int("entries", len(entries)).Msg("audit sink append failed")
	}
}

func (e *Executor) staleObserved() {
	if e.observer != nil {
		e.observer.ObserveStaleCheckpoint()
	}
}
