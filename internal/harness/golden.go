package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/livesync/internal/ir"
)

// TraceSnapshot captures the trace and final backend state of a scenario.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string                 `json:"scenario_name"`
	Trace        []TraceEvent           `json:"trace"`
	State        map[string][]ir.Record `json:"state"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization. Empty fields are omitted from each event.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type": event.Type,
			"step": event.Step,
		}
		for k, v := range map[string]string{
			"action":       event.Action,
			"subscription": event.Subscription,
			"query":        event.Query,
			"table":        event.Table,
			"mutation":     event.Mutation,
			"outcome":      event.Outcome,
		} {
			if v != "" {
				eventMap[k] = v
			}
		}
		if event.Type == TypeDeliver {
			eventMap["value"] = event.Value
			eventMap["optimistic"] = event.Optimistic
		}
		traceList[i] = eventMap
	}

	state := make(map[string]any, len(s.State))
	for table, rows := range s.State {
		list := make([]any, len(rows))
		for i, row := range rows {
			list[i] = row
		}
		state[table] = list
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"state":         state,
	}
}

// Snapshot renders a result as canonical JSON.
func Snapshot(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		State:        result.State,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace and final state
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
