package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/grounded/internal/storage"
)

// Definition is one automation as written in a YAML file.
type Definition struct {
	ID              string  `yaml:"id,omitempty"`
	WorkspaceID     string  `yaml:"workspace_id"`
	Name            string  `yaml:"name"`
	Enabled         *bool   `yaml:"enabled,omitempty"`
	Schedule        string  `yaml:"schedule"`
	IntervalMinutes int     `yaml:"interval_minutes,omitempty"`
	DailyTime       string  `yaml:"daily_time,omitempty"`
	Payload         Payload `yaml:"payload"`
}

// DefinitionFile is the top-level YAML document.
type DefinitionFile struct {
	Automations []Definition `yaml:"automations"`
}

// LoadDefinitions reads and validates automation definitions from a YAML
// file. Definitions without an id get a new one; enabled defaults to true.
func LoadDefinitions(path string) ([]storage.Automation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading automation file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes YAML automation definitions.
func ParseDefinitions(data []byte) ([]storage.Automation, error) {
	var f DefinitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing automation definitions: %w", err)
	}

	out := make([]storage.Automation, 0, len(f.Automations))
	for i, d := range f.Automations {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("automation %d: encoding payload: %w", i, err)
		}
		a := storage.Automation{
			ID:              d.ID,
			WorkspaceID:     d.WorkspaceID,
			Name:            d.Name,
			IsEnabled:       d.Enabled == nil || *d.Enabled,
			ScheduleType:    d.Schedule,
			IntervalMinutes: d.IntervalMinutes,
			DailyTime:       d.DailyTime,
			PayloadJSON:     string(payload),
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if err := Validate(a); err != nil {
			return nil, fmt.Errorf("automation %d (%s): %w", i, d.Name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Saver persists automation definitions.
type Saver interface {
	SaveAutomation(ctx context.Context, a storage.Automation) error
}

// Import saves every definition. Existing automations with the same id are
// replaced and reseeded on the next pass.
func Import(ctx context.Context, s Saver, defs []storage.Automation) error {
	for _, a := range defs {
		if err := s.SaveAutomation(ctx, a); err != nil {
			return fmt.Errorf("saving automation %s: %w", a.ID, err)
		}
	}
	return nil
}
