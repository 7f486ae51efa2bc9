package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// Scenario is a scripted sequence of deliveries to one engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Owner is bound by the implicit start before the first step.
	Owner string `yaml:"owner"`

	// MaxWarnings caps the warning list. Zero keeps the engine default.
	MaxWarnings int `yaml:"max_warnings,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step sources.
const (
	SourceSnapshot   = "snapshot"
	SourceChange     = "change"
	SourceBroadcast  = "broadcast"
	SourceOptimistic = "optimistic"
	SourceRetry      = "retry"
	SourceStop       = "stop"
	SourceStart      = "start"
)

// Step is one delivery.
type Step struct {
	Source string `yaml:"source"`

	// Kind is insert, update or delete. Required for change and broadcast.
	Kind string `yaml:"kind,omitempty"`

	// Record is the event payload for change, broadcast and optimistic.
	Record *RecordSpec `yaml:"record,omitempty"`

	// Records answers a snapshot or retry step.
	Records []RecordSpec `yaml:"records,omitempty"`

	// Error fails a snapshot or retry step.
	Error string `yaml:"error,omitempty"`

	// Owner is bound by a start step. Defaults to the scenario owner.
	Owner string `yaml:"owner,omitempty"`

	// Stale delivers through the previous subscription.
	Stale bool `yaml:"stale,omitempty"`

	// During lists live deliveries made while a retry read is in flight,
	// after the read has taken its rows.
	During []Step `yaml:"during,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// RecordSpec is a bookmark as written in a scenario.
type RecordSpec struct {
	ID        string    `yaml:"id"`
	OwnerID   string    `yaml:"user_id"`
	Title     string    `yaml:"title,omitempty"`
	URL       string    `yaml:"url,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Record converts s to a bookmark.Record.
func (s RecordSpec) Record() bookmark.Record {
	return bookmark.Record{
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		Title:     s.Title,
		URL:       s.URL,
		CreatedAt: s.CreatedAt,
	}
}

// Expect checks the view right after a step. Unset fields are not checked.
type Expect struct {
	IDs      []string `yaml:"ids,omitempty"`
	State    string   `yaml:"state,omitempty"`
	Warnings *int     `yaml:"warnings,omitempty"`
}

// Assertion validates the final view.
type Assertion struct {
	// Type is one of view_ids, state, warning_count, snapshot_failed.
	Type string `yaml:"type"`

	// IDs is the expected view (view_ids).
	IDs []string `yaml:"ids,omitempty"`

	// State is loading or ready (state).
	State string `yaml:"state,omitempty"`

	// Code restricts warning_count to one error code.
	Code string `yaml:"code,omitempty"`

	// Count is the expected number of warnings (warning_count).
	Count int `yaml:"count,omitempty"`

	// Failed is the expected snapshot_failed flag.
	Failed *bool `yaml:"failed,omitempty"`
}

// Assertion type constants.
const (
	AssertViewIDs        = "view_ids"
	AssertState          = "state"
	AssertWarningCount   = "warning_count"
	AssertSnapshotFailed = "snapshot_failed"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and step shapes.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.MaxWarnings < 0 {
		return fmt.Errorf("max_warnings must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	switch step.Source {
	case SourceChange, SourceBroadcast:
		if step.Kind == "" {
			return fmt.Errorf("steps[%d]: kind is required for %s", index, step.Source)
		}
		if _, err := bookmark.ParseKind(step.Kind); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if step.Record == nil {
			return fmt.Errorf("steps[%d]: record is required for %s", index, step.Source)
		}
	case SourceOptimistic:
		if step.Record == nil {
			return fmt.Errorf("steps[%d]: record is required for optimistic", index)
		}
	case SourceSnapshot, SourceRetry:
		if step.Error != "" && len(step.Records) > 0 {
			return fmt.Errorf("steps[%d]: %s takes records or error, not both", index, step.Source)
		}
	case SourceStop, SourceStart:
	case "":
		return fmt.Errorf("steps[%d]: source is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown source %q", index, step.Source)
	}

	if step.Kind != "" && step.Source != SourceChange && step.Source != SourceBroadcast {
		return fmt.Errorf("steps[%d]: kind only applies to change and broadcast", index)
	}
	if step.Owner != "" && step.Source != SourceStart {
		return fmt.Errorf("steps[%d]: owner only applies to start", index)
	}
	if len(step.During) > 0 && step.Source != SourceRetry {
		return fmt.Errorf("steps[%d]: during only applies to retry", index)
	}
	for j, live := range step.During {
		switch live.Source {
		case SourceChange, SourceBroadcast, SourceOptimistic:
		default:
			return fmt.Errorf("steps[%d].during[%d]: source must be change, broadcast or optimistic", index, j)
		}
		if live.Stale || live.Expect != nil || len(live.During) > 0 {
			return fmt.Errorf("steps[%d].during[%d]: only source, kind and record apply", index, j)
		}
		if err := validateStep(j, &step.During[j]); err != nil {
			return fmt.Errorf("steps[%d].during: %w", index, err)
		}
	}
	if step.Expect != nil && step.Expect.State != "" {
		if err := validateState(step.Expect.State); err != nil {
			return fmt.Errorf("steps[%d].expect: %w", index, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertViewIDs:
		if a.IDs == nil {
			return fmt.Errorf("assertions[%d]: ids is required for view_ids (use [] for empty)", index)
		}
	case AssertState:
		if err := validateState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertWarningCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for warning_count", index)
		}
	case AssertSnapshotFailed:
		if a.Failed == nil {
			return fmt.Errorf("assertions[%d]: failed is required for snapshot_failed", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func validateState(s string) error {
	switch s {
	case "loading", "ready":
		return nil
	default:
		return fmt.Errorf("state must be loading or ready, got %q", s)
	}
}
