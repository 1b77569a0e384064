package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/chainsync/internal/chain"
	"github.com/roach88/chainsync/internal/ledger"
)

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
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", ev.Seq, ev.Op, ev.Key, ev.Outcome)
		}
	}

	return buf.String()
}

// AssertionContext provides the state assertions are evaluated against.
type AssertionContext struct {
	Ledger    *ledger.Ledger
	Chain     chain.Gateway
	Namespace string
	Owner     string
	Ctx       context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertEntry, AssertStatusCount, AssertChain:
			if actx == nil || actx.Ledger == nil || actx.Chain == nil {
				err = fmt.Errorf("assertion[%d]: %s requires ledger and chain context", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertEntry:
				err = assertEntry(actx, assertion)
			case AssertStatusCount:
				err = assertStatusCount(actx, assertion)
			default:
				err = assertChain(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}

// assertTraceCount checks the number of trace events with the given op,
// restricted to one key when the assertion names it.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Op == assertion.Op && (assertion.Key == "" || ev.Key == assertion.Key) {
			count++
		}
	}

	if count != assertion.Count {
		target := assertion.Op
		if assertion.Key != "" {
			target += " " + assertion.Key
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s appears %d times", target, assertion.Count),
			Actual:   fmt.Sprintf("%s appears %d times", target, count),
			Trace:    trace,
		}
	}
	return nil
}

// assertEntry checks fields of one ledger row. Version 0 selects the
// latest row of the key.
func assertEntry(actx *AssertionContext, assertion Assertion) error {
	var (
		e   ledger.Entry
		err error
	)
	if assertion.Version == 0 {
		e, err = actx.Ledger.Latest(actx.Ctx, actx.Namespace, assertion.Key, actx.Owner)
	} else {
		e, err = actx.Ledger.Get(actx.Ctx, actx.Namespace, assertion.Key, actx.Owner, assertion.Version)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return &AssertionError{
			Type:     AssertEntry,
			Expected: fmt.Sprintf("ledger row %s", describeRow(assertion)),
			Actual:   "no such row",
		}
	}
	if err != nil {
		return fmt.Errorf("entry assertion query failed: %w", err)
	}

	actual := map[string]interface{}{
		"value":    e.Value,
		"version":  e.Version,
		"status":   string(e.Status),
		"hash":     e.Hash,
		"failure":  e.Failure,
		"attempts": int64(e.Attempts),
		"claimed":  e.ClaimID != "",
	}
	if mismatch := matchFields(actual, assertion.Expect); mismatch != "" {
		return &AssertionError{
			Type:     AssertEntry,
			Expected: fmt.Sprintf("ledger row %s with %s", describeRow(assertion), formatFields(assertion.Expect)),
			Actual:   mismatch,
		}
	}
	return nil
}

// assertChain checks the chain's record of a key. Expect may hold value,
// version or not_found.
func assertChain(actx *AssertionContext, assertion Assertion) error {
	rec, err := actx.Chain.Read(actx.Ctx, actx.Namespace, assertion.Key)
	if errors.Is(err, chain.ErrNotFound) {
		if nf, ok := assertion.Expect["not_found"]; ok && fieldEqual(nf, true) {
			return nil
		}
		return &AssertionError{
			Type:     AssertChain,
			Expected: fmt.Sprintf("chain record %s with %s", assertion.Key, formatFields(assertion.Expect)),
			Actual:   "key not on chain",
		}
	}
	if err != nil {
		return fmt.Errorf("chain assertion read failed: %w", err)
	}

	actual := map[string]interface{}{
		"value":     rec.Value,
		"version":   rec.Version,
		"not_found": false,
	}
	if mismatch := matchFields(actual, assertion.Expect); mismatch != "" {
		return &AssertionError{
			Type:     AssertChain,
			Expected: fmt.Sprintf("chain record %s with %s", assertion.Key, formatFields(assertion.Expect)),
			Actual:   mismatch,
		}
	}
	return nil
}

func assertStatusCount(actx *AssertionContext, assertion Assertion) error {
	counts, err := actx.Ledger.Counts(actx.Ctx)
	if err != nil {
		return fmt.Errorf("status_count assertion query failed: %w", err)
	}

	got := counts[ledger.Status(assertion.Status)]
	if got != assertion.Count {
		return &AssertionError{
			Type:     AssertStatusCount,
			Expected: fmt.Sprintf("%d %s rows", assertion.Count, assertion.Status),
			Actual:   fmt.Sprintf("%d %s rows", got, assertion.Status),
		}
	}
	return nil
}

func describeRow(a Assertion) string {
	if a.Version == 0 {
		return a.Key + " (latest)"
	}
	return fmt.Sprintf("%s v%d", a.Key, a.Version)
}

// matchFields checks that actual contains every expected field (subset
// match) and returns a description of the first mismatch, or "".
func matchFields(actual, expected map[string]interface{}) string {
	for _, key := range sortedKeys(expected) {
		actualVal, exists := actual[key]
		if !exists {
			return fmt.Sprintf("unknown field %q", key)
		}
		if !fieldEqual(expected[key], actualVal) {
			return fmt.Sprintf("%s = %v", key, actualVal)
		}
	}
	return ""
}

// fieldEqual compares a YAML-decoded expectation with an actual value.
// YAML decodes integers as int; actual integers are int64.
func fieldEqual(expected, actual interface{}) bool {
	switch exp := expected.(type) {
	case int:
		if a, ok := actual.(int64); ok {
			return int64(exp) == a
		}
		return false
	case int64:
		if a, ok := actual.(int64); ok {
			return exp == a
		}
		return false
	case string:
		if a, ok := actual.(string); ok {
			return exp == a
		}
		return false
	case bool:
		if a, ok := actual.(bool); ok {
			return exp == a
		}
		return false
	case nil:
		return actual == nil || actual == ""
	}
	return false
}

func formatFields(fields map[string]interface{}) string {
	parts := make([]string, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
