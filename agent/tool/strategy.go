package tool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

const (
	ToolAlinearOKR    = "alinear_okr"
	ToolBuscarMemoria = "buscar_memoria"

	defaultMemoryLimit = 5
)

// Objective is an institutional OKR objective.
type Objective struct {
	ID          string  `yaml:"id" json:"id"`
	Title       string  `yaml:"title" json:"title"`
	Description string  `yaml:"description" json:"description"`
	Period      string  `yaml:"period" json:"period"`
	Progress    float64 `yaml:"progress" json:"progress"`
}

// ScoredObjective is an objective ranked against an action description.
type ScoredObjective struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	RelevanceScore float64 `json:"relevance_score"`
	Progress       float64 `json:"progress"`
}

// AlignObjectives scores objectives by the share of action keywords found in
// their title and description, best first.
func AlignObjectives(objectives []Objective, action string) []ScoredObjective {
	keywords := strings.Fields(strings.ToLower(action))
	if len(keywords) == 0 {
		return nil
	}
	out := make([]ScoredObjective, 0)
	for _, obj := range objectives {
		text := strings.ToLower(obj.Title + " " + obj.Description)
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, ScoredObjective{
			ID:             obj.ID,
			Title:          obj.Title,
			RelevanceScore: float64(hits) / float64(len(keywords)),
			Progress:       obj.Progress,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelevanceScore > out[j].RelevanceScore
	})
	return out
}

// OKRContextFor builds the strategic context of a request from the catalog.
func OKRContextFor(objectives []Objective, message string) *statex.OKRContext {
	scored := AlignObjectives(objectives, message)
	if len(scored) == 0 {
		return nil
	}
	if len(scored) > 3 {
		scored = scored[:3]
	}
	okr := &statex.OKRContext{
		PrimaryObjective: scored[0].Title,
		RelevanceScores:  make(map[string]float64, len(scored)),
	}
	titles := make([]string, 0, len(scored))
	for _, s := range scored {
		okr.AlignedOKRIDs = append(okr.AlignedOKRIDs, s.ID)
		okr.RelevanceScores[s.ID] = s.RelevanceScore
		titles = append(titles, s.Title)
	}
	okr.ContextSummary = "Objetivos relacionados: " + strings.Join(titles, "; ")
	return okr
}

func alinearOKR(objectives []Objective) Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolAlinearOKR,
			Desc: "Encuentra los Objetivos y Resultados Clave (OKRs) institucionales más relevantes para una acción.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"accion": stringParam("Descripción de la acción a vincular", true),
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			accion, err := requireString(args, "accion")
			if err != nil {
				return nil, err
			}
			scored := AlignObjectives(objectives, accion)
			top := scored
			if len(top) > 3 {
				top = top[:3]
			}
			var recomendacion any
			if len(scored) > 0 {
				recomendacion = scored[0].Title
			}
			return map[string]any{
				"accion":            accion,
				"okrs_relevantes":   top,
				"total_encontrados": len(scored),
				"recomendacion":     recomendacion,
			}, nil
		},
	}
}

func buscarMemoria(store contractx.MemoryStore) Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolBuscarMemoria,
			Desc: "Busca información relevante en la memoria institucional de largo plazo.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": stringParam("Texto de búsqueda", true),
				"limit": {Type: schema.Integer, Desc: "Número máximo de resultados"},
			}),
		},
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			limit := defaultMemoryLimit
			if n, err := numberArg(args, "limit"); err == nil && n > 0 {
				limit = int(n)
			}
			if store == nil {
				return map[string]any{"query": query, "results": []statex.Memory{}, "total_encontrados": 0, "metodo": "text_search"}, nil
			}
			results, err := store.Search(ctx, query, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"query":             query,
				"results":           results,
				"total_encontrados": len(results),
				"metodo":            "text_search",
			}, nil
		},
	}
}

// MemoryIndex is an in-process long-term memory with case-insensitive
// substring search, most important first.
type MemoryIndex struct {
	mu       sync.RWMutex
	memories []statex.Memory
	now      func() time.Time
}

func NewMemoryIndex(seed ...statex.Memory) *MemoryIndex {
	idx := &MemoryIndex{now: time.Now}
	for _, m := range seed {
		_ = idx.Remember(context.Background(), m)
	}
	return idx
}

// Remember stores mem, replacing any memory with the same id.
func (m *MemoryIndex) Remember(_ context.Context, mem statex.Memory) error {
	if strings.TrimSpace(mem.Content) == "" {
		return errors.New("memory content is empty")
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.memories {
		if m.memories[i].ID == mem.ID {
			m.memories[i] = mem
			return nil
		}
	}
	m.memories = append(m.memories, mem)
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, query string, limit int) ([]statex.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]statex.Memory, 0)
	for _, mem := range m.memories {
		content := strings.ToLower(mem.Content)
		for _, term := range terms {
			if len(term) > 2 && strings.Contains(content, term) {
				out = append(out, mem)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Importance > out[j].Importance
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
