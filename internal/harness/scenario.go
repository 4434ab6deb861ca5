package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/queue"
)

// Scenario defines an end-to-end engine scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is an optional CUE catalog directory.
	// Relative paths are resolved against the scenario file location.
	Catalog string `yaml:"catalog,omitempty"`

	// Connected is the initial connectivity. Nil means online.
	Connected *bool `yaml:"connected,omitempty"`

	// DrainPolicy overrides the configured drain policy.
	DrainPolicy string `yaml:"drain_policy,omitempty"`

	// Seed lists backend records per table, written before the first step.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	// Steps run in order; background work settles after each one.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of the action fields is set.
type Step struct {
	// Action fields.
	Subscribe    string  `yaml:"subscribe,omitempty"`
	Unsubscribe  string  `yaml:"unsubscribe,omitempty"`
	Mutate       ir.Kind `yaml:"mutate,omitempty"`
	Refresh      string  `yaml:"refresh,omitempty"`
	Connectivity string  `yaml:"connectivity,omitempty"`
	ClearCache   bool    `yaml:"clear_cache,omitempty"`

	// Query names the query for subscribe. Refresh names it directly.
	Query  string         `yaml:"query,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`

	// Table and Data describe a mutate step.
	Table string         `yaml:"table,omitempty"`
	Data  map[string]any `yaml:"data,omitempty"`

	// Expect is the expected outcome of a mutate or refresh step.
	// If empty, any outcome is accepted.
	Expect string `yaml:"expect,omitempty"`
}

// Step actions.
const (
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
	ActionMutate       = "mutate"
	ActionRefresh      = "refresh"
	ActionConnectivity = "connectivity"
	ActionClearCache   = "clear_cache"
)

// Step outcomes.
const (
	OutcomeSynced   = "synced"
	OutcomeRejected = "rejected"
	OutcomeQueued   = "queued"
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeOffline  = "offline"
)

// Action returns the step's action, or "" if none or several are set.
func (s Step) Action() string {
	var actions []string
	if s.Subscribe != "" {
		actions = append(actions, ActionSubscribe)
	}
	if s.Unsubscribe != "" {
		actions = append(actions, ActionUnsubscribe)
	}
	if s.Mutate != "" {
		actions = append(actions, ActionMutate)
	}
	if s.Refresh != "" {
		actions = append(actions, ActionRefresh)
	}
	if s.Connectivity != "" {
		actions = append(actions, ActionConnectivity)
	}
	if s.ClearCache {
		actions = append(actions, ActionClearCache)
	}
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type. See the Assert constants.
	Type string `yaml:"type"`

	// Label is a trace label (trace_contains, trace_count).
	Label string `yaml:"label,omitempty"`

	// Labels is the expected label order (trace_order).
	Labels []string `yaml:"labels,omitempty"`

	// Subscription is a subscription alias (last_value, delivered).
	Subscription string `yaml:"subscription,omitempty"`

	// Value is the expected delivered value (last_value).
	Value any `yaml:"value,omitempty"`

	// Mutation and Status select a mutation and its expected status.
	Mutation string    `yaml:"mutation,omitempty"`
	Status   ir.Status `yaml:"status,omitempty"`

	// Count is the expected number (trace_count, delivered, pending_count).
	Count int `yaml:"count,omitempty"`

	// Table, Where and Expect select a backend record and the fields it
	// must have (final_state). Where and Expect use subset semantics.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertLastValue      = "last_value"
	AssertDelivered      = "delivered"
	AssertMutationStatus = "mutation_status"
	AssertPendingCount   = "pending_count"
	AssertFinalState     = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. A relative catalog
// path is resolved against the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the catalog path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) && basePath != "" {
		scenario.Catalog = filepath.Join(basePath, scenario.Catalog)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Catalog != "" {
		if _, err := os.Stat(s.Catalog); os.IsNotExist(err) {
			return fmt.Errorf("catalog directory not found: %s", s.Catalog)
		}
	}

	if _, err := queue.ParsePolicy(s.DrainPolicy); err != nil {
		return fmt.Errorf("drain_policy: %w", err)
	}

	for table := range s.Seed {
		if table == "" {
			return fmt.Errorf("seed: table name is required")
		}
	}

	aliases := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, aliases); err != nil {
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

// validateStep validates a single step. aliases tracks subscriptions
// registered by earlier steps.
func validateStep(index int, s Step, aliases map[string]bool) error {
	switch s.Action() {
	case ActionSubscribe:
		if s.Query == "" {
			return fmt.Errorf("steps[%d]: query is required for subscribe", index)
		}
		if aliases[s.Subscribe] {
			return fmt.Errorf("steps[%d]: subscription %q already exists", index, s.Subscribe)
		}
		aliases[s.Subscribe] = true
	case ActionUnsubscribe:
		if !aliases[s.Unsubscribe] {
			return fmt.Errorf("steps[%d]: unknown subscription %q", index, s.Unsubscribe)
		}
	case ActionMutate:
		if !ir.ValidKinds[s.Mutate] {
			return fmt.Errorf("steps[%d]: unknown mutation kind %q", index, s.Mutate)
		}
		if s.Table == "" {
			return fmt.Errorf("steps[%d]: table is required for mutate", index)
		}
		switch s.Expect {
		case "", OutcomeSynced, OutcomeRejected, OutcomeQueued:
		default:
			return fmt.Errorf("steps[%d]: mutate expect must be synced, rejected or queued, got %q", index, s.Expect)
		}
	case ActionRefresh:
		switch s.Expect {
		case "", OutcomeOK, OutcomeFailed, OutcomeOffline:
		default:
			return fmt.Errorf("steps[%d]: refresh expect must be ok, failed or offline, got %q", index, s.Expect)
		}
	case ActionConnectivity:
		if s.Connectivity != "online" && s.Connectivity != "offline" {
			return fmt.Errorf("steps[%d]: connectivity must be online or offline, got %q", index, s.Connectivity)
		}
	case ActionClearCache:
	default:
		return fmt.Errorf("steps[%d]: exactly one action is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Label == "" {
			return fmt.Errorf("assertions[%d]: label is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Labels) == 0 {
			return fmt.Errorf("assertions[%d]: labels list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Label == "" {
			return fmt.Errorf("assertions[%d]: label is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertLastValue, AssertDelivered:
		if a.Subscription == "" {
			return fmt.Errorf("assertions[%d]: subscription is required for %s", index, a.Type)
		}
	case AssertMutationStatus:
		if a.Mutation == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: mutation and status are required for mutation_status", index)
		}
	case AssertPendingCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for pending_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
