// Package dsee is the deterministic state evolution engine: every change to a
// run state goes through Evolve, which versions, times, audits and persists it.
package dsee

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNilTransition  = errors.New("transition function is nil")
	ErrRunIDChanged   = errors.New("transition changed the run id")
	ErrAuditTruncated = errors.New("transition removed or rewrote audit entries")
)

// PersistFunc stores the state produced by a successful transition.
type PersistFunc func(ctx context.Context, st *statex.RunState, transition string) error

// Observer receives one call per evolve attempt.
type Observer interface {
	ObserveTransition(transition string, duration time.Duration, err error)
}

type Step struct {
	Name string
	Fn   statex.Transition
}

type Engine struct {
	persist  PersistFunc
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Engine)

func WithPersist(fn PersistFunc) Option {
	return func(e *Engine) {
		e.persist = fn
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		logger: log.Logger,
		tracer: otel.Tracer("github.com/tanpawarit/cognitive-backoffice/agent/dsee"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Evolve applies fn to a copy of st. On success the result carries
// IterationCount = st.IterationCount+1 and has been persisted. On failure an
// ERROR entry is appended to st, which is returned with an ErrTransition error.
func (e *Engine) Evolve(ctx context.Context, st *statex.RunState, fn statex.Transition, name string) (*statex.RunState, error) {
	if st == nil {
		return nil, statex.ErrNilRunState
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "anonymous"
	}

	ctx, span := e.tracer.Start(ctx, "dsee.evolve", trace.WithAttributes(
		attribute.String("run_id", st.RunID),
		attribute.String("transition", name),
		attribute.Int("iteration", st.IterationCount),
	))
	defer span.End()

	start := e.now()
	logger := e.logger.With().Str("run_id", st.RunID).Str("transition", name).Int("iteration", st.IterationCount).Logger()
	logger.Debug().Msg("dsee transition starting")

	out, err := e.apply(st, fn)
	if err != nil {
		duration := e.now().Sub(start)
		st.LogError(fmt.Sprintf("Transition '%s' failed: %v", name, err), "")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", duration).Msg("dsee transition failed")
		e.observe(name, duration, err)
		return st, fmt.Errorf("%w: %q: %w", contractx.ErrTransition, name, err)
	}

	out.IterationCount = st.IterationCount + 1
	out.UpdatedAt = e.now().UTC()

	if e.persist != nil {
		if err := e.persist(ctx, out, name); err != nil {
			duration := e.now().Sub(start)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error().Err(err).Msg("dsee persist failed")
			e.observe(name, duration, err)
			return out, fmt.Errorf("persist after %q: %w", name, err)
		}
	}

	duration := e.now().Sub(start)
	span.SetAttributes(attribute.Int("brain_log_entries", out.AuditLen()))
	logger.Debug().
		Dur("duration", duration).
		Int("brain_log_entries", out.AuditLen()).
		Msg("dsee transition complete")
	e.observe(name, duration, nil)
	return out, nil
}

// BatchEvolve applies steps in order and stops at the first failure,
// returning the state reached so far.
func (e *Engine) BatchEvolve(ctx context.Context, st *statex.RunState, steps ...Step) (*statex.RunState, error) {
	current := st
	for _, step := range steps {
		next, err := e.Evolve(ctx, current, step.Fn, step.Name)
		if err != nil {
			return next, err
		}
		current = next
	}
	return current, nil
}

func (e *Engine) apply(st *statex.RunState, fn statex.Transition) (out *statex.RunState, err error) {
	if fn == nil {
		return nil, ErrNilTransition
	}
	next, err := st.Clone()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	out, err = fn(next)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, statex.ErrNilRunState
	}
	if err := checkInvariants(st, out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkInvariants(before, after *statex.RunState) error {
	if before.RunID != after.RunID {
		return ErrRunIDChanged
	}
	if len(after.BrainLog) < len(before.BrainLog) {
		return ErrAuditTruncated
	}
	for i := range before.BrainLog {
		b, a := before.BrainLog[i], after.BrainLog[i]
		if b.StepType != a.StepType || b.Content != a.Content || b.Node != a.Node || !b.Timestamp.Equal(a.Timestamp) {
			return fmt.Errorf("%w at index %d", ErrAuditTruncated, i)
		}
	}
	return nil
}

func (e *Engine) observe(name string, d time.Duration, err error) {
	if e.observer != nil {
		e.observer.ObserveTransition(name, d, err)
	}
}
