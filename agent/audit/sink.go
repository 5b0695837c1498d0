// Package audit fans brain-log entries out to durable and live consumers.
package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

// LogSink writes each entry as one structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger *zerolog.Logger) *LogSink {
	if logger == nil {
		logger = &log.Logger
	}
	return &LogSink{logger: logger.With().Str("component", "brain_log").Logger()}
}

func (s *LogSink) Append(_ context.Context, runID string, entries []statex.AuditEntry) error {
	for _, e := range entries {
		evt := s.logger.Info()
		if e.StepType == statex.StepError {
			evt = s.logger.Warn()
		}
		evt = evt.Str("run_id", runID).Str("step_type", string(e.StepType)).Time("at", e.Timestamp)
		if e.Node != "" {
			evt = evt.Str("node", e.Node)
		}
		if e.ToolName != "" {
			evt = evt.Str("tool", e.ToolName)
		}
		if e.DurationMs > 0 {
			evt = evt.Int64("duration_ms", e.DurationMs)
		}
		evt.Msg(e.Content)
	}
	return nil
}

// Fanout delivers every batch to each sink in order and joins their errors.
type Fanout []contractx.AuditSink

func (f Fanout) Append(ctx context.Context, runID string, entries []statex.AuditEntry) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, runID, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Event is one batch of entries for a run.
type Event struct {
	RunID   string              `json:"run_id"`
	Entries []statex.AuditEntry `json:"entries"`
}

// Broadcaster publishes batches to live subscribers of a run. Slow
// subscribers miss batches; the durable sinks keep the full log.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch chan Event
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{subs: make(map[string]map[*subscription]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events for runID and a cancel func that
// closes it.
func (b *Broadcaster) Subscribe(runID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[runID], sub)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			close(sub.ch)
		})
	}
}

func (b *Broadcaster) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

func (b *Broadcaster) Append(_ context.Context, runID string, entries []statex.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	evt := Event{RunID: runID, Entries: append([]statex.AuditEntry(nil), entries...)}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[runID] {
		select {
		case sub.ch <- evt:
		default:
		}
	}
	return nil
}
