// Package graph drives a run through its nodes: route once, then invoke the
// selected node, apply its update through the transition engine and decide
// the next move until the run ends or suspends.
package graph

import (
	"strings"

	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

// Target is the outcome of Decide: a node name or one of the halt states.
type Target string

const (
	TargetEnd     Target = "__end__"
	TargetSuspend Target = "__suspended__"
)

const DefaultMaxIterations = 10

// Node reports the node name of a non-halting target.
func (t Target) Node() (string, bool) {
	if t == TargetEnd || t == TargetSuspend || t == "" {
		return "", false
	}
	return string(t), true
}

// Decide picks the next move from st alone, in strict priority order:
// error, pending approval, completion, iteration ceiling, next agent.
func Decide(st *statex.RunState, maxIterations int) Target {
	switch {
	case st == nil:
		return TargetEnd
	case st.Error != "":
		return TargetEnd
	case st.RequiresHITL:
		return TargetSuspend
	case st.IsComplete:
		return TargetEnd
	case maxIterations > 0 && st.IterationCount >= maxIterations:
		return TargetEnd
	}
	if next := strings.TrimSpace(st.NextAgent); next != "" {
		return Target(next)
	}
	return TargetEnd
}

// needsRouting reports whether st is a fresh run that has not been routed.
// Resumed and delegated runs always carry a next agent or visited nodes.
func needsRouting(st *statex.RunState) bool {
	return st.Status == statex.StatusRunning &&
		st.Error == "" &&
		!st.IsComplete &&
		!st.RequiresHITL &&
		strings.TrimSpace(st.NextAgent) == "" &&
		len(st.VisitedAgents) == 0
}
