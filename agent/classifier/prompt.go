package classifier

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
)

const DefaultTimeout = 30 * time.Second

// UserPrompt renders the routing request sent alongside the supervisor
// system prompt.
func UserPrompt(req contractx.ClassifyRequest) string {
	var okrs []string
	if req.OKRContext != nil {
		okrs = req.OKRContext.AlignedOKRIDs
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analiza esta solicitud y decide el enrutamiento:\n\n%s\n\n", req.UserMessage)
	b.WriteString("Considera:\n")
	fmt.Fprintf(&b, "- OKRs alineados: [%s]\n", strings.Join(okrs, ", "))
	fmt.Fprintf(&b, "- Agentes ya visitados en esta sesión: [%s]\n", strings.Join(req.VisitedAgents, ", "))
	if len(req.Options) > 0 {
		names := make([]string, 0, len(req.Options)+1)
		for _, o := range req.Options {
			names = append(names, o.Name)
		}
		names = append(names, contractx.NoneNode)
		fmt.Fprintf(&b, "- Opciones válidas: %s\n", strings.Join(names, ", "))
	}
	return b.String()
}

func validateRequest(req contractx.ClassifyRequest) error {
	if strings.TrimSpace(req.UserMessage) == "" {
		return fmt.Errorf("%w: user message is required", contractx.ErrValidation)
	}
	return nil
}

func withTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
