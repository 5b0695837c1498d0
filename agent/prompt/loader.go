package prompt

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
	toolx "github.com/tanpawarit/cognitive-backoffice/agent/tool"
	"gopkg.in/yaml.v3"
)

var (
	//go:embed template/supervisor.txt
	supervisorRaw string

	//go:embed template/specialist.txt
	specialistRaw string

	//go:embed catalog/departments.yaml
	departmentsRaw []byte

	//go:embed catalog/okrs.yaml
	objectivesRaw []byte

	//go:embed catalog/memories.yaml
	memoriesRaw []byte
)

var ErrEmptyCatalog = errors.New("department catalog is empty")

var specialistTmpl = template.Must(template.New("specialist").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(specialistRaw))

// Department is one routable back-office department.
type Department struct {
	Name           string   `yaml:"name"`
	Title          string   `yaml:"title"`
	Role           string   `yaml:"role"`
	Description    string   `yaml:"description"`
	Specialization string   `yaml:"specialization"`
	Goal           string   `yaml:"goal"`
	Tools          []string `yaml:"tools"`
}

func (d Department) NodeInfo() contractx.NodeInfo {
	return contractx.NodeInfo{Name: d.Name, Title: d.Title, Description: d.Description}
}

// SystemPrompt renders the specialist system prompt for d.
func (d Department) SystemPrompt() (string, error) {
	var buf bytes.Buffer
	if err := specialistTmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("%w: render prompt for %s: %v", contractx.ErrPromptMissing, d.Name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

type Departments []Department

func (ds Departments) Names() []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Name)
	}
	return out
}

func (ds Departments) NodeInfos() []contractx.NodeInfo {
	out := make([]contractx.NodeInfo, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.NodeInfo())
	}
	return out
}

// Assignments maps each department to the tools it may call.
func (ds Departments) Assignments() map[string][]string {
	out := make(map[string][]string, len(ds))
	for _, d := range ds {
		out[d.Name] = append([]string(nil), d.Tools...)
	}
	return out
}

func (ds Departments) Lookup(name string) (Department, bool) {
	for _, d := range ds {
		if d.Name == name {
			return d, true
		}
	}
	return Department{}, false
}

// Supervisor renders the router system prompt listing every department.
func Supervisor(ds Departments) string {
	var b strings.Builder
	for i, d := range ds {
		fmt.Fprintf(&b, "\n%d. **%s** (%s)\n   - %s\n", i+1, d.Name, d.Title, d.Description)
	}
	return strings.TrimSpace(strings.Replace(supervisorRaw, "{departments}", b.String(), 1))
}

// LoadDepartments returns the embedded department catalog.
func LoadDepartments() (Departments, error) {
	return ParseDepartments(departmentsRaw)
}

func ParseDepartments(data []byte) (Departments, error) {
	var doc struct {
		Departments Departments `yaml:"departments"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse department catalog: %v", contractx.ErrValidation, err)
	}
	if len(doc.Departments) == 0 {
		return nil, ErrEmptyCatalog
	}
	seen := make(map[string]struct{}, len(doc.Departments))
	for i, d := range doc.Departments {
		name := strings.TrimSpace(d.Name)
		if name == "" || name == contractx.NoneNode {
			return nil, fmt.Errorf("%w: department #%d has invalid name %q", contractx.ErrValidation, i, d.Name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate department %q", contractx.ErrValidation, name)
		}
		seen[name] = struct{}{}
		doc.Departments[i].Name = name
	}
	return doc.Departments, nil
}

// LoadObjectives returns the embedded institutional OKR catalog.
func LoadObjectives() ([]toolx.Objective, error) {
	var doc struct {
		Objectives []toolx.Objective `yaml:"objectives"`
	}
	if err := yaml.Unmarshal(objectivesRaw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse okr catalog: %v", contractx.ErrValidation, err)
	}
	return doc.Objectives, nil
}

// LoadMemories returns the seed institutional memories, stamped with now.
func LoadMemories(now time.Time) ([]statex.Memory, error) {
	var doc struct {
		Memories []struct {
			ID         string  `yaml:"id"`
			Content    string  `yaml:"content"`
			Source     string  `yaml:"source"`
			Importance float64 `yaml:"importance"`
		} `yaml:"memories"`
	}
	if err := yaml.Unmarshal(memoriesRaw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse memory seed: %v", contractx.ErrValidation, err)
	}
	out := make([]statex.Memory, 0, len(doc.Memories))
	for _, m := range doc.Memories {
		out = append(out, statex.Memory{
			ID:         m.ID,
			Content:    m.Content,
			Source:     m.Source,
			Importance: m.Importance,
			CreatedAt:  now.UTC(),
		})
	}
	return out, nil
}
