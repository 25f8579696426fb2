package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CompressionConfig controls the prompt-compression pass-through applied to
// eligible context sections before transmission to the LLM.
type CompressionConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Provider    string  `json:"provider,omitempty" yaml:"provider,omitempty"`
	TargetRatio float64 `json:"target_ratio,omitempty" yaml:"target_ratio,omitempty"`
}

// State is the persisted per-project entity behind .tumbler/state.json.
//
// Unknown JSON fields survive read-modify-write cycles via Extra so that
// newer daemons and external tooling can annotate state files without this
// version destroying their fields.
type State struct {
	Name              string               `json:"name"`
	Root              string               `json:"root"`
	Phase             Phase                `json:"phase"`
	Iteration         int                  `json:"iteration"`
	MaxIterations     int                  `json:"max_iterations"`
	QualityThreshold  float64              `json:"quality_threshold"`
	MaxCost           float64              `json:"max_cost"`
	LastScore         *float64             `json:"last_score,omitempty"`
	ProviderOverrides map[AgentName]string `json:"provider_overrides,omitempty"`
	Compression       *CompressionConfig   `json:"compression,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	Error             string               `json:"error,omitempty"`
	FailureReason     FailureReason        `json:"failure_reason,omitempty"`
	IsRunning         bool                 `json:"is_running"`

	// Extra holds fields we do not understand, preserved verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// stateAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type stateAlias State

// stateKnownKeys must list every tagged field of State.
var stateKnownKeys = []string{
	"name", "root", "phase", "iteration", "max_iterations",
	"quality_threshold", "max_cost", "last_score", "provider_overrides",
	"compression", "created_at", "updated_at", "error", "failure_reason",
	"is_running",
}

// UnmarshalJSON decodes known fields and stashes the rest in Extra.
func (s *State) UnmarshalJSON(data []byte) error {
	var a stateAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range stateKnownKeys {
		delete(raw, k)
	}
	*s = State(a)
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// MarshalJSON re-emits known fields plus any preserved unknown fields.
// Known fields win on key collision.
func (s State) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(stateAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Validate enforces the structural invariants of a state entity.
func (s *State) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("state has empty project name")
	}
	if !s.Phase.IsValid() {
		return fmt.Errorf("project %s: invalid phase %q", s.Name, s.Phase)
	}
	if s.Iteration < 0 {
		return fmt.Errorf("project %s: negative iteration %d", s.Name, s.Iteration)
	}
	if s.MaxIterations > 0 && s.Iteration > s.MaxIterations {
		return fmt.Errorf("project %s: iteration %d exceeds max %d", s.Name, s.Iteration, s.MaxIterations)
	}
	if s.QualityThreshold < 0 || s.QualityThreshold > 10 {
		return fmt.Errorf("project %s: quality threshold %.2f outside [0,10]", s.Name, s.QualityThreshold)
	}
	if s.MaxCost < 0 {
		return fmt.Errorf("project %s: negative max cost %.4f", s.Name, s.MaxCost)
	}
	if s.Phase == PhaseCompleted {
		if s.LastScore == nil || *s.LastScore < s.QualityThreshold {
			return fmt.Errorf("project %s: completed without meeting threshold", s.Name)
		}
	}
	if s.IsRunning && !s.Phase.IsActive() {
		return fmt.Errorf("project %s: is_running with inactive phase %q", s.Name, s.Phase)
	}
	return nil
}

// ProjectSummary is the listing view of a project.
type ProjectSummary struct {
	Name      string    `json:"name"`
	Phase     Phase     `json:"phase"`
	Iteration int       `json:"iteration"`
	LastScore *float64  `json:"last_score,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	IsRunning bool      `json:"is_running"`
	Error     string    `json:"error,omitempty"`
}

// Summary projects a State down to its listing view.
func (s *State) Summary() ProjectSummary {
	return ProjectSummary{
		Name:      s.Name,
		Phase:     s.Phase,
		Iteration: s.Iteration,
		LastScore: s.LastScore,
		UpdatedAt: s.UpdatedAt,
		IsRunning: s.IsRunning,
		Error:     s.Error,
	}
}
