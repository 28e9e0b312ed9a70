package automation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/grounded/internal/storage"
)

const definitionsYAML = `
automations:
  - id: weekly-pipeline
    workspace_id: ws
    name: Weekly pipeline digest
    schedule: daily
    daily_time: "08:30"
    payload:
      type: agent_query
      query: What changed in the pipeline this week?
      company_id: C1
  - workspace_id: ws
    name: Rerun baseline
    enabled: false
    schedule: interval
    interval_minutes: 120
    payload:
      type: rerun
      run_id: run-0
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(definitionsYAML))
	if err != nil {
		t.Fatalf("ParseDefinitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}

	d := defs[0]
	if d.ID != "weekly-pipeline" || !d.IsEnabled || d.ScheduleType != storage.ScheduleDaily || d.DailyTime != "08:30" {
		t.Errorf("first = %+v", d)
	}
	p, err := DecodePayload(d.PayloadJSON)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Type != PayloadAgentQuery || p.CompanyID != "C1" {
		t.Errorf("payload = %+v", p)
	}

	if defs[1].ID == "" || defs[1].IsEnabled || defs[1].IntervalMinutes != 120 {
		t.Errorf("second = %+v", defs[1])
	}
}

func TestParseDefinitions_Invalid(t *testing.T) {
	bad := `
automations:
  - workspace_id: ws
    name: broken
    schedule: daily
    daily_time: "8am"
    payload: {type: agent_query, query: q}
`
	if _, err := ParseDefinitions([]byte(bad)); err == nil {
		t.Error("expected error for invalid daily time")
	}
	if _, err := ParseDefinitions([]byte("automations: [")); err == nil {
		t.Error("expected YAML error")
	}
}

func TestLoadAndImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automations.yaml")
	if err := os.WriteFile(path, []byte(definitionsYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}

	s := openStore(t)
	ctx := context.Background()
	if err := Import(ctx, s, defs); err != nil {
		t.Fatalf("Import: %v", err)
	}
	// Importing twice replaces rather than duplicating.
	if err := Import(ctx, s, defs); err != nil {
		t.Fatalf("Import (again): %v", err)
	}
	list, err := s.ListAutomations(ctx, "ws")
	if err != nil {
		t.Fatalf("ListAutomations: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("automations = %d, want 2", len(list))
	}

	if _, err := LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
