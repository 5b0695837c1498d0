package tool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

var ErrUnknownTool = errors.New("unknown tool")

// Func runs one tool call. Returned errors are tool failures, not run failures.
type Func func(ctx context.Context, args map[string]any) (any, error)

type Executor func(ctx context.Context, tool string, args map[string]any) (contractx.ToolResult, error)

type Spec struct {
	Info *schema.ToolInfo
	Run  Func
}

// Deps are the collaborators some tools read from.
type Deps struct {
	Objectives []Objective
	Memory     contractx.MemoryStore
	Now        func() time.Time
}

// Catalog maps tool names to implementations and departments to the tools
// they may call.
type Catalog struct {
	specs  map[string]Spec
	byDept map[string][]string
}

// NewCatalog registers every built-in tool and binds departments to the
// named subset. Unknown tool names in assignments are an error.
func NewCatalog(deps Deps, assignments map[string][]string) (*Catalog, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	c := &Catalog{specs: map[string]Spec{}, byDept: map[string][]string{}}
	for _, spec := range builtins(deps) {
		c.specs[spec.Info.Name] = spec
	}
	for dept, tools := range assignments {
		for _, name := range tools {
			if _, ok := c.specs[name]; !ok {
				return nil, fmt.Errorf("%w: %s assigned to %s", ErrUnknownTool, name, dept)
			}
		}
		c.byDept[dept] = append([]string(nil), tools...)
	}
	return c, nil
}

func builtins(deps Deps) []Spec {
	return []Spec{
		consultarEstudiante(),
		estadisticasMatricula(),
		reporteCohorte(deps.Now),
		consultarCartera(),
		analizarMorosidad(),
		generarFactura(deps.Now),
		reporteSNIES(deps.Now),
		alinearOKR(deps.Objectives),
		buscarMemoria(deps.Memory),
		mathEvaluate(),
	}
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.specs))
	for name := range c.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Allowed(department, tool string) bool {
	for _, name := range c.byDept[department] {
		if name == tool {
			return true
		}
	}
	return false
}

// InfosFor returns the eino tool infos a department's model may call.
func (c *Catalog) InfosFor(department string) []*schema.ToolInfo {
	names := c.byDept[department]
	out := make([]*schema.ToolInfo, 0, len(names))
	for _, name := range names {
		out = append(out, c.specs[name].Info)
	}
	return out
}

// BuildForDepartment returns the tool infos and an executor restricted to them.
func (c *Catalog) BuildForDepartment(department string) ([]*schema.ToolInfo, Executor) {
	return c.InfosFor(department), c.NewExecutor(department)
}

func (c *Catalog) NewExecutor(department string) Executor {
	fallback := DefaultExecutor(department)
	return func(ctx context.Context, tool string, args map[string]any) (contractx.ToolResult, error) {
		spec, ok := c.specs[tool]
		if !ok || !c.Allowed(department, tool) {
			return fallback(ctx, tool, args)
		}
		if args == nil {
			args = map[string]any{}
		}
		out, err := spec.Run(ctx, args)
		if err != nil {
			return contractx.ToolResult{Tool: tool, Error: err.Error()}, nil
		}
		return contractx.ToolResult{Tool: tool, Result: out}, nil
	}
}

func DefaultExecutor(department string) Executor {
	return func(ctx context.Context, tool string, _ map[string]any) (contractx.ToolResult, error) {
		return contractx.ToolResult{
			Tool:  tool,
			Error: fmt.Sprintf("tool=%s is unavailable for department=%s", tool, department),
		}, nil
	}
}

func stringParam(desc string, required bool) *schema.ParameterInfo {
	return &schema.ParameterInfo{Type: schema.String, Desc: desc, Required: required}
}

func requireString(args map[string]any, key string) (string, error) {
	v := optionalString(args, key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func optionalString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func numberArg(args map[string]any, key string) (float64, error) {
	switch v := args[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err != nil {
			return 0, fmt.Errorf("%s must be a number", key)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

// seeded returns a generator fixed by the inputs so mock figures are stable
// for the same query.
func seeded(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(strings.ToLower(p)))
		_, _ = h.Write([]byte{0})
	}
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func between(r *rand.Rand, lo, hi int) int {
	return lo + r.Intn(hi-lo+1)
}
