package nodes

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	toolx "github.com/tanpawarit/cognitive-backoffice/agent/tool"
)

const (
	ReadMemoryStep  = "read_memory"
	defaultMemories = 5
	summaryRunes    = 200
)

// ReadMemory searches institutional memory and aligns the request with the
// OKR catalog. The returned transition only records what was found.
func ReadMemory(ctx context.Context, st *statex.RunState, memory contractx.MemoryStore, objectives []toolx.Objective) (statex.Transition, error) {
	if st == nil {
		return nil, statex.ErrNilRunState
	}

	var found []statex.Memory
	if memory != nil {
		var err error
		found, err = memory.Search(ctx, st.UserMessage, defaultMemories)
		if err != nil {
			return nil, fmt.Errorf("search memory: %w", err)
		}
	}
	okr := toolx.OKRContextFor(objectives, st.UserMessage)

	return func(s *statex.RunState) (*statex.RunState, error) {
		seen := make(map[string]struct{}, len(s.RetrievedMemories))
		for _, m := range s.RetrievedMemories {
			seen[m.ID] = struct{}{}
		}
		added := 0
		for _, m := range found {
			if _, dup := seen[m.ID]; dup && m.ID != "" {
				continue
			}
			s.RetrievedMemories = append(s.RetrievedMemories, m)
			added++
		}
		s.LogThinking(fmt.Sprintf("Memoria recuperada: %d elementos relevantes", added), ReadMemoryStep)

		if s.OKRContext == nil && okr != nil {
			s.OKRContext = okr
			s.LogThinking("Alineación OKR: "+okr.ContextSummary, ReadMemoryStep)
		}
		return s, nil
	}, nil
}

// WriteMemory stores a short record of a successfully completed run.
func WriteMemory(ctx context.Context, st *statex.RunState, memory contractx.MemoryStore) error {
	if st == nil || memory == nil {
		return nil
	}
	if !st.IsComplete || st.Error != "" || strings.TrimSpace(st.FinalResponse) == "" {
		return nil
	}
	return memory.Remember(ctx, statex.Memory{
		ID:      "run-" + st.RunID,
		Content: fmt.Sprintf("Solicitud: %s | Respuesta: %s", clip(st.UserMessage), clip(st.FinalResponse)),
		Source:  "run",
		Metadata: map[string]any{
			"run_id":         st.RunID,
			"visited_agents": append([]string(nil), st.VisitedAgents...),
		},
		Importance: 0.5,
		CreatedAt:  st.UpdatedAt,
	})
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= summaryRunes {
		return s
	}
	return string([]rune(s)[:summaryRunes]) + "..."
}
