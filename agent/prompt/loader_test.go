package prompt

import (
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	toolx "github.com/tanpawarit/cognitive-backoffice/agent/tool"
)

func TestLoadDepartmentsBindsKnownTools(t *testing.T) {
	t.Parallel()

	depts, err := LoadDepartments()
	if err != nil {
		t.Fatalf("LoadDepartments() error = %v", err)
	}
	want := []string{"admisiones", "finanzas", "retencion", "comunicaciones", "tic"}
	got := depts.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected departments: %v", got)
	}

	if _, err := toolx.NewCatalog(toolx.Deps{}, depts.Assignments()); err != nil {
		t.Fatalf("catalog rejects embedded assignments: %v", err)
	}

	fin, ok := depts.Lookup("finanzas")
	if !ok {
		t.Fatal("finanzas missing")
	}
	prompt, err := fin.SystemPrompt()
	if err != nil {
		t.Fatalf("SystemPrompt() error = %v", err)
	}
	if !strings.Contains(prompt, "Contador Cognitivo") || !strings.Contains(prompt, "generar_factura, generar_reporte_snies") {
		t.Fatalf("unexpected prompt: %s", prompt)
	}
}

func TestParseDepartmentsRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":     "departments: []",
		"none":      "departments:\n  - name: none",
		"duplicate": "departments:\n  - name: tic\n  - name: tic",
		"malformed": "departments: [",
	}
	for name, doc := range cases {
		if _, err := ParseDepartments([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := ParseDepartments([]byte("departments: []")); !errors.Is(err, ErrEmptyCatalog) {
		t.Fatalf("expected ErrEmptyCatalog, got %v", err)
	}
	if _, err := ParseDepartments([]byte("departments:\n  - name: none")); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSupervisorListsDepartments(t *testing.T) {
	t.Parallel()

	depts, err := LoadDepartments()
	if err != nil {
		t.Fatalf("LoadDepartments() error = %v", err)
	}
	prompt := Supervisor(depts)
	if strings.Contains(prompt, "{departments}") {
		t.Fatal("placeholder not replaced")
	}
	for _, name := range depts.Names() {
		if !strings.Contains(prompt, "**"+name+"**") {
			t.Fatalf("supervisor prompt misses %s", name)
		}
	}
}

func TestLoadObjectivesAndMemories(t *testing.T) {
	t.Parallel()

	objs, err := LoadObjectives()
	if err != nil {
		t.Fatalf("LoadObjectives() error = %v", err)
	}
	if len(objs) != 5 || objs[1].ID != "okr-2025-02" {
		t.Fatalf("unexpected objectives: %#v", objs)
	}

	now := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	mems, err := LoadMemories(now)
	if err != nil {
		t.Fatalf("LoadMemories() error = %v", err)
	}
	if len(mems) != 5 || !mems[0].CreatedAt.Equal(now) || mems[0].Importance != 0.9 {
		t.Fatalf("unexpected memories: %#v", mems)
	}
}
