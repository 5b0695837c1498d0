package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
	graphx "github.com/tanpawarit/cognitive-backoffice/agent/graph"
	nodex "github.com/tanpawarit/cognitive-backoffice/agent/nodes"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

type resumeInput struct {
	State      *statex.RunState
	ApprovalID string
	Reviewer   string
}

// compileStartGraph builds read_memory -> execute -> write_memory for a
// freshly created run.
func (o *Orchestrator) compileStartGraph(ctx context.Context) (compose.Runnable[*statex.RunState, *graphx.Outcome], error) {
	graph := compose.NewGraph[*statex.RunState, *graphx.Outcome]()

	if err := graph.AddLambdaNode(nodex.ReadMemoryStep,
		compose.InvokableLambda(func(ctx context.Context, in *statex.RunState) (*statex.RunState, error) {
			return o.readMemory(ctx, in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node %s: %w", nodex.ReadMemoryStep, err)
	}

	if err := graph.AddLambdaNode("execute",
		compose.InvokableLambda(func(ctx context.Context, in *statex.RunState) (*graphx.Outcome, error) {
			return o.executor.Run(ctx, in, graphx.WithCancelSignal(o.cancelSignal(in.RunID)))
		}),
	); err != nil {
		return nil, fmt.Errorf("add node execute: %w", err)
	}

	if err := graph.AddLambdaNode("write_memory",
		compose.InvokableLambda(func(ctx context.Context, in *graphx.Outcome) (*graphx.Outcome, error) {
			return o.writeMemory(ctx, in), nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add node write_memory: %w", err)
	}

	edges := [][2]string{
		{compose.START, nodex.ReadMemoryStep},
		{nodex.ReadMemoryStep, "execute"},
		{"execute", "write_memory"},
		{"write_memory", compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.start_run"))
	if err != nil {
		return nil, fmt.Errorf("compile start graph: %w", err)
	}
	return runner, nil
}

// compileResumeGraph builds resume -> write_memory for an approved run.
func (o *Orchestrator) compileResumeGraph(ctx context.Context) (compose.Runnable[resumeInput, *graphx.Outcome], error) {
	graph := compose.NewGraph[resumeInput, *graphx.Outcome]()

	if err := graph.AddLambdaNode("resume",
		compose.InvokableLambda(func(ctx context.Context, in resumeInput) (*graphx.Outcome, error) {
			return o.executor.Resume(ctx, in.State, in.ApprovalID, in.Reviewer,
				graphx.WithCancelSignal(o.cancelSignal(in.State.RunID)))
		}),
	); err != nil {
		return nil, fmt.Errorf("add node resume: %w", err)
	}

	if err := graph.AddLambdaNode("write_memory",
		compose.InvokableLambda(func(ctx context.Context, in *graphx.Outcome) (*graphx.Outcome, error) {
			return o.writeMemory(ctx, in), nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add node write_memory: %w", err)
	}

	edges := [][2]string{
		{compose.START, "resume"},
		{"resume", "write_memory"},
		{"write_memory", compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.resume_run"))
	if err != nil {
		return nil, fmt.Errorf("compile resume graph: %w", err)
	}
	return runner, nil
}
