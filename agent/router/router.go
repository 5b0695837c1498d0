// Package router turns a run state into a routing decision by consulting an
// external classifier. It never invokes department nodes itself.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

// NodeName is the audit node name of routing entries.
const NodeName = "supervisor"

const (
	DefaultTimeout = 30 * time.Second
	previewRunes   = 100
	historyWindow  = 10
)

// ClarificationResponse is returned to the user when no department fits.
const ClarificationResponse = "No estoy seguro de cómo ayudarte con esa solicitud. ¿Podrías proporcionar más detalles sobre qué departamento necesitas?"

var ErrNoNodes = errors.New("router needs at least one routable node")

type Router struct {
	classifier contractx.Classifier
	nodes      []contractx.NodeInfo
	known      map[string]struct{}
	timeout    time.Duration
	logger     zerolog.Logger
}

type Option func(*Router)

func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

func New(classifier contractx.Classifier, nodes []contractx.NodeInfo, opts ...Option) (*Router, error) {
	if classifier == nil {
		return nil, fmt.Errorf("%w: classifier is required", contractx.ErrValidation)
	}
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	r := &Router{
		classifier: classifier,
		nodes:      append([]contractx.NodeInfo(nil), nodes...),
		known:      make(map[string]struct{}, len(nodes)),
		timeout:    DefaultTimeout,
		logger:     log.Logger,
	}
	for _, n := range nodes {
		r.known[n.Name] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Router) Nodes() []contractx.NodeInfo {
	return append([]contractx.NodeInfo(nil), r.nodes...)
}

func (r *Router) Known(name string) bool {
	_, ok := r.known[name]
	return ok
}

// Route classifies st. It never returns an error: classifier failures come
// back as a "none" decision with Failed set.
func (r *Router) Route(ctx context.Context, st *statex.RunState) contractx.Decision {
	if st == nil {
		return failed(statex.ErrNilRunState)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	history := st.Messages
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	d, err := r.classifier.Classify(ctx, contractx.ClassifyRequest{
		UserMessage:   st.UserMessage,
		History:       append([]statex.ChatTurn(nil), history...),
		VisitedAgents: append([]string(nil), st.VisitedAgents...),
		Options:       r.Nodes(),
		OKRContext:    st.OKRContext,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("run_id", st.RunID).Msg("routing failed")
		return failed(err)
	}

	d = r.Normalize(d)
	r.logger.Info().
		Str("run_id", st.RunID).
		Str("selected_agent", d.Selected).
		Float64("confidence", d.Confidence).
		Bool("requires_collaboration", d.RequiresCollaboration).
		Msg("supervisor decision made")
	return d
}

// Normalize coerces unknown selections to "none", clamps confidence to
// [0,1] and restricts secondary agents to registered, distinct nodes other
// than the primary.
func (r *Router) Normalize(d contractx.Decision) contractx.Decision {
	d.Selected = strings.ToLower(strings.TrimSpace(d.Selected))
	if d.Selected == "" || !r.Known(d.Selected) {
		d.Selected = contractx.NoneNode
	}
	switch {
	case d.Confidence < 0:
		d.Confidence = 0
	case d.Confidence > 1:
		d.Confidence = 1
	}
	d.Reasoning = strings.TrimSpace(d.Reasoning)

	if d.Selected == contractx.NoneNode {
		d.Secondary = nil
		d.RequiresCollaboration = false
		return d
	}
	seen := map[string]struct{}{d.Selected: {}}
	secondary := make([]string, 0, len(d.Secondary))
	for _, name := range d.Secondary {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := seen[name]; dup || !r.Known(name) {
			continue
		}
		seen[name] = struct{}{}
		secondary = append(secondary, name)
	}
	d.Secondary = secondary
	return d
}

func failed(err error) contractx.Decision {
	return contractx.Decision{
		Selected:      contractx.NoneNode,
		Failed:        true,
		FailureReason: fmt.Sprintf("%v: %v", contractx.ErrClassification, err),
	}
}

// Update converts a decision into the routing step's state update.
func Update(st *statex.RunState, d contractx.Decision) statex.Update {
	entries := []statex.AuditEntry{
		statex.Thinking(fmt.Sprintf("Analyzing user request: %s...", preview(st.UserMessage)), NodeName),
	}
	if d.Failed {
		return statex.Update{
			Node:    NodeName,
			Entries: entries,
			Err:     "Routing error: " + d.FailureReason,
		}
	}

	decision := statex.Decision(
		fmt.Sprintf("Routing to: %s (confidence: %.2f) - %s", d.Selected, d.Confidence, d.Reasoning),
		NodeName,
	)
	decision.TokensUsed = d.TokensUsed
	entries = append(entries, decision)

	if d.Selected == contractx.NoneNode {
		return statex.Update{
			Node:     NodeName,
			Entries:  entries,
			Response: ClarificationResponse,
			Complete: true,
		}
	}

	chain := []string{d.Selected}
	if d.RequiresCollaboration {
		chain = append(chain, d.Secondary...)
	}
	return statex.Update{
		Node:       NodeName,
		Entries:    entries,
		Delegation: chain,
		Next:       d.Selected,
	}
}

// Transition routes st with a decision already obtained from Route.
func Transition(d contractx.Decision) statex.Transition {
	return func(st *statex.RunState) (*statex.RunState, error) {
		if st == nil {
			return nil, statex.ErrNilRunState
		}
		return Update(st, d).Apply(st)
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes])
}
