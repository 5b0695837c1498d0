package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

const DefaultCallTimeout = 30 * time.Second

// Observer receives one call per tool invocation.
type Observer interface {
	ObserveTool(tool string, outcome string, duration time.Duration)
}

// Gateway runs tool calls for a department, each bounded by a timeout.
type Gateway struct {
	catalog  *Catalog
	timeout  time.Duration
	observer Observer
	logger   zerolog.Logger
}

type GatewayOption func(*Gateway)

func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithObserver(o Observer) GatewayOption {
	return func(g *Gateway) {
		g.observer = o
	}
}

func WithGatewayLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = l
	}
}

func NewGateway(catalog *Catalog, opts ...GatewayOption) (*Gateway, error) {
	if catalog == nil {
		return nil, errors.New("tool catalog is required")
	}
	g := &Gateway{catalog: catalog, timeout: DefaultCallTimeout, logger: log.Logger}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

func (g *Gateway) Catalog() *Catalog {
	return g.catalog
}

// Execute runs requests in order. Per-call failures land in ToolResult.Error;
// the returned error is set only when ctx itself is done.
func (g *Gateway) Execute(ctx context.Context, department string, requests []contractx.ToolRequest) ([]contractx.ToolResult, error) {
	exec := g.catalog.NewExecutor(department)
	results := make([]contractx.ToolResult, 0, len(requests))
	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, g.call(ctx, exec, department, req))
	}
	return results, nil
}

func (g *Gateway) call(ctx context.Context, exec Executor, department string, req contractx.ToolRequest) contractx.ToolResult {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		res contractx.ToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := exec(callCtx, req.Tool, req.Args)
		done <- outcome{res: res, err: err}
	}()

	var res contractx.ToolResult
	select {
	case out := <-done:
		res = out.res
		if out.err != nil {
			res = contractx.ToolResult{Tool: req.Tool, Error: out.err.Error()}
		}
	case <-callCtx.Done():
		res = contractx.ToolResult{Tool: req.Tool, Error: fmt.Sprintf("%v: %s: %v", contractx.ErrTransientTool, req.Tool, callCtx.Err())}
	}
	if res.Tool == "" {
		res.Tool = req.Tool
	}

	outcomeLabel := "ok"
	if res.Error != "" {
		outcomeLabel = "error"
		g.logger.Warn().
			Str("department", department).
			Str("tool", req.Tool).
			Str("error", res.Error).
			Msg("tool call failed")
	}
	if g.observer != nil {
		g.observer.ObserveTool(req.Tool, outcomeLabel, time.Since(start))
	}
	return res
}
