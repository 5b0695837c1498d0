// Package nodes holds the department nodes of the run graph and the
// memory steps that surround a run.
package nodes

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
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

const (
	DefaultTimeout = 60 * time.Second
	memoryWindow   = 3
	memoryRunes    = 200
)

var ErrNilSpecialist = errors.New("department specialist is nil")

// ApprovalPolicy decides whether a tool call must wait for human sign-off.
type ApprovalPolicy interface {
	Evaluate(c hitlx.Check) (reason string, required bool)
}

// Department is the graph node of one back-office department: plan tools
// with the specialist, gate them through the approval policy, run the rest
// and finalize a response.
type Department struct {
	name       string
	specialist contractx.Specialist
	tools      contractx.ToolGateway
	policy     ApprovalPolicy
	known      func(string) bool
	timeout    time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

var _ contractx.Node = (*Department)(nil)

type Option func(*Department)

func WithPolicy(p ApprovalPolicy) Option {
	return func(d *Department) {
		d.policy = p
	}
}

// WithDelegates restricts delegation targets to names known returns true for.
func WithDelegates(known func(string) bool) Option {
	return func(d *Department) {
		d.known = known
	}
}

func WithTimeout(t time.Duration) Option {
	return func(d *Department) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Department) {
		d.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Department) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDepartment(name string, specialist contractx.Specialist, tools contractx.ToolGateway, opts ...Option) (*Department, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == contractx.NoneNode {
		return nil, fmt.Errorf("%w: invalid department name %q", contractx.ErrValidation, name)
	}
	if specialist == nil {
		return nil, ErrNilSpecialist
	}
	d := &Department{
		name:       name,
		specialist: specialist,
		tools:      tools,
		known:      func(string) bool { return false },
		timeout:    DefaultTimeout,
		logger:     log.Logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Department) Name() string {
	return d.name
}

func (d *Department) Run(ctx context.Context, st *statex.RunState) (statex.Update, error) {
	if st == nil {
		return statex.Update{}, statex.ErrNilRunState
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.now()
	upd := statex.Update{
		Node:    d.name,
		Visited: true,
		Entries: []statex.AuditEntry{statex.Thinking("Entering agent: "+d.name, d.name)},
	}

	if a := st.ApprovedAction; a != nil && a.Node == d.name {
		return d.runApproved(ctx, st, upd, *a, start), nil
	}

	req := d.request(st)
	resp, err := d.specialist.Run(ctx, req)
	if err != nil {
		return d.fail(st, upd, err), nil
	}

	if len(resp.ToolRequests) > 0 {
		allowed, gated, reason := d.gate(st, resp.ToolRequests)
		req.ToolResults = d.execute(ctx, allowed, &upd)
		if gated != nil {
			upd.HITL = &statex.HITLFlag{
				Reason: reason,
				Action: &statex.ProposedAction{
					Node:     d.name,
					Tool:     gated.Tool,
					Args:     gated.Args,
					Response: resp.Message,
				},
			}
			d.logger.Info().Str("run_id", st.RunID).Str("node", d.name).Str("tool", gated.Tool).Str("reason", reason).Msg("tool call held for approval")
			return upd, nil
		}
		resp, err = d.specialist.Run(ctx, req)
		if err != nil {
			return d.fail(st, upd, err), nil
		}
	}
	return d.finish(st, upd, resp, start), nil
}

// runApproved executes the action a reviewer signed off and completes.
func (d *Department) runApproved(ctx context.Context, st *statex.RunState, upd statex.Update, a statex.ProposedAction, start time.Time) statex.Update {
	upd.ConsumeApproval = true
	upd.Entries = append(upd.Entries, statex.Decision("Ejecutando acción aprobada: "+actionLabel(a), d.name))

	if a.Tool == "" {
		upd.Response = a.Response
		upd.Complete = true
		return upd
	}

	req := d.request(st)
	req.ToolResults = d.execute(ctx, []contractx.ToolRequest{{Tool: a.Tool, Args: a.Args}}, &upd)
	resp, err := d.specialist.Run(ctx, req)
	if err != nil {
		// The approved side effect already happened; keep the run alive with
		// the response proposed at suspension.
		upd.Entries = append(upd.Entries, statex.Error(fmt.Sprintf("Error en %s: %v", d.name, err), d.name))
		upd.Response = degradedResponse(a.Response, req.ToolResults)
		upd.Complete = true
		return upd
	}
	resp.DelegateTo = ""
	return d.finish(st, upd, resp, start)
}

func (d *Department) finish(st *statex.RunState, upd statex.Update, resp contractx.SpecialistResponse, start time.Time) statex.Update {
	upd.Response = resp.Message
	upd.GenUI = resp.GenUI

	if target := resp.DelegateTo; target != "" && target != d.name && d.known(target) && !st.HasVisited(target) {
		upd.Entries = append(upd.Entries, statex.Decision("Delegando a: "+target, d.name))
		upd.Delegation = append(append([]string(nil), st.DelegationChain...), target)
		upd.Next = target
		return upd
	}

	elapsed := d.now().Sub(start)
	done := statex.Decision(fmt.Sprintf("Respuesta generada en %dms", elapsed.Milliseconds()), d.name)
	done.DurationMs = elapsed.Milliseconds()
	upd.Entries = append(upd.Entries, done)
	upd.Complete = true
	return upd
}

func (d *Department) fail(st *statex.RunState, upd statex.Update, err error) statex.Update {
	d.logger.Error().Err(err).Str("run_id", st.RunID).Str("node", d.name).Msg("department agent failed")
	upd.Err = fmt.Sprintf("Error en %s: %v", d.name, err)
	return upd
}

// gate splits tool requests into those that may run now and the first one
// the policy holds for approval.
func (d *Department) gate(st *statex.RunState, reqs []contractx.ToolRequest) ([]contractx.ToolRequest, *contractx.ToolRequest, string) {
	allowed := make([]contractx.ToolRequest, 0, len(reqs))
	var gated *contractx.ToolRequest
	var reason string
	for i := range reqs {
		r := reqs[i]
		if d.policy != nil {
			if why, required := d.policy.Evaluate(hitlx.Check{
				Tool:       r.Tool,
				Department: d.name,
				Args:       r.Args,
				Security:   st.Security,
			}); required {
				if gated == nil {
					gated, reason = &r, why
				}
				continue
			}
		}
		allowed = append(allowed, r)
	}
	return allowed, gated, reason
}

// execute runs tool calls through the gateway, recording ACTION and
// OBSERVATION entries. Failures become ERROR entries and failed results are
// still returned so the specialist can explain the degraded answer.
func (d *Department) execute(ctx context.Context, reqs []contractx.ToolRequest, upd *statex.Update) []contractx.ToolResult {
	if len(reqs) == 0 {
		return nil
	}
	for _, r := range reqs {
		upd.Entries = append(upd.Entries, statex.Action(r.Tool, r.Args, d.name))
	}

	var results []contractx.ToolResult
	var err error
	if d.tools == nil {
		err = fmt.Errorf("%w: no tool gateway for %s", contractx.ErrTransientTool, d.name)
	} else {
		results, err = d.tools.Execute(ctx, d.name, reqs)
	}
	if err != nil && len(results) == 0 {
		for _, r := range reqs {
			results = append(results, contractx.ToolResult{Tool: r.Tool, Error: err.Error()})
		}
	}

	for _, res := range results {
		if res.Error != "" {
			upd.Entries = append(upd.Entries, statex.Error(fmt.Sprintf("Error en %s: %s", res.Tool, res.Error), d.name))
			continue
		}
		upd.Entries = append(upd.Entries, statex.Observation("Resultado de "+res.Tool, res.Tool, res.Result, d.name))
	}
	return results
}

func (d *Department) request(st *statex.RunState) contractx.SpecialistRequest {
	req := contractx.SpecialistRequest{
		Department:  d.name,
		UserMessage: st.UserMessage,
		History:     append([]statex.ChatTurn(nil), st.Messages...),
	}
	if st.OKRContext != nil {
		req.OKRSummary = st.OKRContext.ContextSummary
	}
	mems := st.RetrievedMemories
	if len(mems) > memoryWindow {
		mems = mems[:memoryWindow]
	}
	for _, m := range mems {
		m.Content = truncate(m.Content, memoryRunes)
		req.Memories = append(req.Memories, m)
	}
	for _, v := range st.VisitedAgents {
		if v != d.name {
			req.PreviousAgents = append(req.PreviousAgents, v)
		}
	}
	return req
}

func actionLabel(a statex.ProposedAction) string {
	if a.Tool != "" {
		return a.Tool
	}
	return "respuesta"
}

func degradedResponse(proposed string, results []contractx.ToolResult) string {
	if strings.TrimSpace(proposed) != "" {
		return proposed
	}
	if len(results) == 0 {
		return "La acción aprobada no produjo resultados."
	}
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Tool)
	}
	return "Acción aprobada ejecutada: " + strings.Join(names, ", ") + "."
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
