package harness

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/livesync/internal/engine"
	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/store"
)

// validIdentifier matches table and field names assertions may reference.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s", i+1, event.Step, event.Label())
			if event.Mutation != "" {
				fmt.Fprintf(&buf, " %s", event.Mutation)
			}
			if event.Outcome != "" {
				fmt.Fprintf(&buf, " -> %s", event.Outcome)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// assertTraceContains checks that some trace entry carries the label.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Label() == assertion.Label {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: assertion.Label,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the labels appear as a subsequence of the
// trace. Entries in between are allowed and labels may repeat.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(assertion.Labels) && event.Label() == assertion.Labels[next] {
			next++
		}
	}
	if next == len(assertion.Labels) {
		return nil
	}

	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("labels in order: %v", assertion.Labels),
		Actual:   fmt.Sprintf("matched %d of %d, missing %s after position %d", next, len(assertion.Labels), assertion.Labels[next], next),
		Trace:    trace,
	}
}

// assertTraceCount checks that the label appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Label() == assertion.Label {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Label),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertLastValue compares the last delivered value by canonical form, so
// 1 and int64(1) are equal.
func assertLastValue(result *Result, assertion Assertion) error {
	deliveries := result.Deliveries(assertion.Subscription)
	if len(deliveries) == 0 {
		return &AssertionError{
			Type:     AssertLastValue,
			Expected: fmt.Sprintf("a value delivered to %s", assertion.Subscription),
			Actual:   "no deliveries",
			Trace:    result.Trace,
		}
	}

	got := deliveries[len(deliveries)-1].Value
	if !ir.SameValue(got, assertion.Value) {
		return &AssertionError{
			Type:     AssertLastValue,
			Expected: canonicalString(assertion.Value),
			Actual:   canonicalString(got),
		}
	}
	return nil
}

// assertDelivered checks how many values a subscription received.
func assertDelivered(result *Result, assertion Assertion) error {
	got := len(result.Deliveries(assertion.Subscription))
	if got != assertion.Count {
		return &AssertionError{
			Type:     AssertDelivered,
			Expected: fmt.Sprintf("%d deliveries to %s", assertion.Count, assertion.Subscription),
			Actual:   fmt.Sprintf("%d deliveries", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertMutationStatus checks a mutation's status as the engine reports it.
func assertMutationStatus(eng *engine.Engine, assertion Assertion) error {
	m, ok := eng.Mutation(assertion.Mutation)
	if !ok {
		return &AssertionError{
			Type:     AssertMutationStatus,
			Expected: fmt.Sprintf("mutation %s with status %s", assertion.Mutation, assertion.Status),
			Actual:   "mutation not found",
		}
	}
	if m.Status != assertion.Status {
		return &AssertionError{
			Type:     AssertMutationStatus,
			Expected: fmt.Sprintf("mutation %s with status %s", assertion.Mutation, assertion.Status),
			Actual:   string(m.Status),
		}
	}
	return nil
}

// assertPendingCount checks how many writes are still queued.
func assertPendingCount(eng *engine.Engine, assertion Assertion) error {
	if got := eng.PendingCount(); got != assertion.Count {
		return &AssertionError{
			Type:     AssertPendingCount,
			Expected: fmt.Sprintf("%d pending mutations", assertion.Count),
			Actual:   fmt.Sprintf("%d pending", got),
		}
	}
	return nil
}

// assertFinalState checks that exactly one backend record matches Where and
// that it has every field in Expect (subset semantics).
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}
	for _, key := range ir.SortedKeys(assertion.Where) {
		if !validIdentifier.MatchString(key) {
			return fmt.Errorf("invalid field name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
	}

	rows, err := st.ReadTable(ctx, assertion.Table)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("read table %s", assertion.Table),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}

	var matched []ir.Record
	for _, row := range rows {
		if matchFields(row, assertion.Where) {
			matched = append(matched, row)
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	switch len(matched) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	row := matched[0]
	for _, key := range ir.SortedKeys(assertion.Expect) {
		actual, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in %s", key, canonicalString(row)),
			}
		}
		if !ir.SameValue(assertion.Expect[key], actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %s", key, canonicalString(assertion.Expect[key])),
				Actual:   fmt.Sprintf("field %q = %s", key, canonicalString(actual)),
			}
		}
	}

	return nil
}

// matchFields reports whether row has every field in want.
func matchFields(row ir.Record, want map[string]any) bool {
	for key, v := range want {
		got, ok := row[key]
		if !ok || !ir.SameValue(got, v) {
			return false
		}
	}
	return true
}

// formatWhereClause creates a human-readable description of where conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := ir.SortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, canonicalString(where[k])))
	}
	return strings.Join(parts, " AND ")
}

func canonicalString(v any) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// AssertionContext provides the live engine and backend for assertions that
// inspect more than the trace.
type AssertionContext struct {
	Engine *engine.Engine
	Store  *store.Store
	Ctx    context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertLastValue:
			err = assertLastValue(result, assertion)
		case AssertDelivered:
			err = assertDelivered(result, assertion)
		case AssertMutationStatus, AssertPendingCount:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: %s requires engine context", i, assertion.Type)
			} else if assertion.Type == AssertMutationStatus {
				err = assertMutationStatus(actx.Engine, assertion)
			} else {
				err = assertPendingCount(actx.Engine, assertion)
			}
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
