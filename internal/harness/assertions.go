package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/bookmarks/internal/engine"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	IDs      []string // Final view for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "  View: %v\n", e.IDs)
	return buf.String()
}

func assertViewIDs(v engine.ViewState, a Assertion) error {
	ids := v.IDs()
	if slices.Equal(ids, a.IDs) {
		return nil
	}
	return &AssertionError{
		Type:     AssertViewIDs,
		Expected: fmt.Sprintf("%v", a.IDs),
		Actual:   fmt.Sprintf("%v", ids),
		IDs:      ids,
	}
}

func assertState(v engine.ViewState, a Assertion) error {
	if v.State.String() == a.State {
		return nil
	}
	return &AssertionError{
		Type:     AssertState,
		Expected: a.State,
		Actual:   v.State.String(),
		IDs:      v.IDs(),
	}
}

// assertWarningCount counts warnings, restricted to a.Code when set.
func assertWarningCount(v engine.ViewState, a Assertion) error {
	count := 0
	for _, w := range v.Warnings {
		if a.Code == "" || string(w.Code) == a.Code {
			count++
		}
	}
	if count == a.Count {
		return nil
	}

	what := "warnings"
	if a.Code != "" {
		what = a.Code + " warnings"
	}
	return &AssertionError{
		Type:     AssertWarningCount,
		Expected: fmt.Sprintf("%d %s", a.Count, what),
		Actual:   fmt.Sprintf("%d %s", count, what),
		IDs:      v.IDs(),
	}
}

func assertSnapshotFailed(v engine.ViewState, a Assertion) error {
	if v.SnapshotFailed == *a.Failed {
		return nil
	}
	return &AssertionError{
		Type:     AssertSnapshotFailed,
		Expected: fmt.Sprintf("snapshot_failed=%t", *a.Failed),
		Actual:   fmt.Sprintf("snapshot_failed=%t", v.SnapshotFailed),
		IDs:      v.IDs(),
	}
}

// EvaluateAssertions evaluates all assertions against the final view.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(v engine.ViewState, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertViewIDs:
			err = assertViewIDs(v, assertion)
		case AssertState:
			err = assertState(v, assertion)
		case AssertWarningCount:
			err = assertWarningCount(v, assertion)
		case AssertSnapshotFailed:
			if assertion.Failed == nil {
				err = fmt.Errorf("assertion[%d]: snapshot_failed requires failed", i)
			} else {
				err = assertSnapshotFailed(v, assertion)
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
