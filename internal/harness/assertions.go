package harness

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/rvdebug/internal/query"
	"github.com/roach88/rvdebug/internal/store"
	"github.com/roach88/rvdebug/internal/trace"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string  // Assertion type for categorization
	Expected string  // Human-readable expected outcome
	Actual   string  // Human-readable actual outcome
	Trace    []Entry // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, entry := range e.Trace {
			s := entry.Snapshot
			fmt.Fprintf(&buf, "  [%d] %s %s\n", s.UID, s.PC, s.Dasm)
		}
	}
	return buf.String()
}

// AssertionContext provides database access for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Query *query.StateQuery
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertFinalPhase:
			err = assertFinalPhase(result, a)
		case AssertInstructionCount:
			err = assertInstructionCount(result, a)
		case AssertStuckAt:
			err = assertStuckAt(result, a)
		case AssertExitCode:
			err = assertExitCode(result, a)
		case AssertTestPassed:
			err = assertTestPassed(result, a)
		case AssertRegister, AssertChanges, AssertExpected, AssertMnemonic, AssertRowCount:
			if actx == nil || actx.Query == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, a.Type)
				break
			}
			err = evaluateQuery(actx, result, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluateQuery(actx *AssertionContext, result *Result, a Assertion) error {
	switch a.Type {
	case AssertMnemonic:
		return assertMnemonic(actx, result, a)
	case AssertRowCount:
		return assertRowCount(actx, a)
	}

	snap, err := selectSnapshot(actx, a)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: describeSelector(a), Actual: err.Error(), Trace: result.Trace}
	}

	switch a.Type {
	case AssertRegister:
		got, ok := snap.Registers[a.Register]
		if !ok || got != *a.Value {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s = %s after %s", a.Register, *a.Value, describeSelector(a)),
				Actual:   describeValue(got, ok),
				Trace:    result.Trace,
			}
		}
	case AssertExpected:
		got, ok := snap.Expected[a.Register]
		if !ok || got != *a.Value {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("expected %s = %s at %s", a.Register, *a.Value, describeSelector(a)),
				Actual:   describeValue(got, ok),
				Trace:    result.Trace,
			}
		}
	case AssertChanges:
		got := make(map[string]trace.Value, len(snap.Changes))
		for name, c := range snap.Changes {
			got[name] = c.Current
		}
		want := a.Changes
		if want == nil {
			want = map[string]trace.Value{}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("changes at %s: %s", describeSelector(a), formatValues(want)),
				Actual:   formatValues(got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func selectSnapshot(actx *AssertionContext, a Assertion) (trace.Snapshot, error) {
	if a.PC != nil {
		return actx.Query.Snapshot(actx.Ctx, *a.PC)
	}
	return actx.Query.SnapshotAt(actx.Ctx, a.UID)
}

func describeSelector(a Assertion) string {
	if a.PC != nil {
		return "pc " + a.PC.String()
	}
	return fmt.Sprintf("uid %d", a.UID)
}

func describeValue(v trace.Value, ok bool) string {
	if !ok {
		return "absent"
	}
	return v.String()
}

func formatValues(m map[string]trace.Value) string {
	if len(m) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, fmt.Sprintf("%s=%s", name, m[name]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func assertFinalPhase(result *Result, a Assertion) error {
	got := result.Outcome.Run.FinalPhase.String()
	if got != a.Phase {
		return &AssertionError{Type: a.Type, Expected: a.Phase, Actual: got}
	}
	return nil
}

func assertInstructionCount(result *Result, a Assertion) error {
	if len(result.Trace) != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d instructions", *a.Count),
			Actual:   fmt.Sprintf("%d instructions", len(result.Trace)),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertStuckAt(result *Result, a Assertion) error {
	got := result.Outcome.Run.StuckPC
	if got == nil || *got != *a.PC {
		actual := "not stuck"
		if got != nil {
			actual = "stuck at " + got.String()
		}
		return &AssertionError{Type: a.Type, Expected: "stuck at " + a.PC.String(), Actual: actual}
	}
	return nil
}

func assertExitCode(result *Result, a Assertion) error {
	got := result.Outcome.Run.ExitCode
	if got == nil || *got != *a.ExitCode {
		actual := "unknown"
		if got != nil {
			actual = fmt.Sprint(*got)
		}
		return &AssertionError{Type: a.Type, Expected: fmt.Sprint(*a.ExitCode), Actual: actual}
	}
	return nil
}

func assertTestPassed(result *Result, a Assertion) error {
	got := result.Outcome.Run.TestPassed
	if got == nil || *got != *a.Passed {
		actual := "unknown"
		if got != nil {
			actual = fmt.Sprint(*got)
		}
		return &AssertionError{Type: a.Type, Expected: fmt.Sprint(*a.Passed), Actual: actual}
	}
	return nil
}

func assertMnemonic(actx *AssertionContext, result *Result, a Assertion) error {
	got, err := actx.Query.Mnemonic(actx.Ctx, *a.PC)
	if err != nil {
		got = err.Error()
	}
	if got != a.Mnemonic {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s at pc %s", a.Mnemonic, a.PC),
			Actual:   got,
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertRowCount counts rows of a store table with parameterized SQL.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertRowCount(actx *AssertionContext, a Assertion) error {
	if actx.Store == nil {
		return errors.New("row_count requires a store")
	}
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", a.Table)
	if whereSQL != "" {
		q += " WHERE " + whereSQL
	}

	rows, err := actx.Store.Query(actx.Ctx, q, whereArgs...)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: "query table " + a.Table, Actual: fmt.Sprintf("query error: %v", err)}
	}
	defer rows.Close()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("count rows: %w", err)
	}

	if count != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d rows in %s where %s", *a.Count, a.Table, formatWhereClause(a.Where)),
			Actual:   fmt.Sprintf("%d rows", count),
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from a row_count
// selector. Keys are sorted for determinism. Values that parse as machine
// words are compared in their canonical hex form, which is how the store
// persists them.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(key, where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// integerColumns are stored as SQLite integers rather than hex text.
var integerColumns = map[string]bool{
	"InstUID": true, "Seq": true, "ExitCode": true, "TestPassed": true, "TimedOut": true,
}

func toSQLValue(column string, v any) any {
	switch val := v.(type) {
	case int:
		if integerColumns[column] {
			return int64(val)
		}
		return trace.FormatHex(trace.Value(val))
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case string:
		if strings.HasPrefix(val, "0x") {
			if c, err := trace.Canonical(val); err == nil {
				return c
			}
		}
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range slices.Sorted(maps.Keys(where)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// CheckTraceProperties verifies the invariants every recording must hold:
// uids strictly increase, every change differs from the value before it,
// the initial state names every changed register, and replay is
// deterministic.
func CheckTraceProperties(ctx context.Context, q *query.StateQuery, entries []Entry) []string {
	var errs []string

	initial, err := q.InitialState(ctx)
	if err != nil {
		return []string{fmt.Sprintf("trace property: initial state: %v", err)}
	}

	var prev uint64
	for i, e := range entries {
		s := e.Snapshot
		if i > 0 && s.UID <= prev {
			errs = append(errs, fmt.Sprintf("trace property: uid %d follows uid %d", s.UID, prev))
		}
		prev = s.UID

		for name, c := range s.Changes {
			if c.Previous == c.Current {
				errs = append(errs, fmt.Sprintf("trace property: uid %d records unchanged %s = %s", s.UID, name, c.Current))
			}
			if _, ok := initial.Registers[name]; !ok {
				errs = append(errs, fmt.Sprintf("trace property: %s changed at uid %d but has no initial value", name, s.UID))
			}
		}

		again, err := q.SnapshotAt(ctx, s.UID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("trace property: replay uid %d: %v", s.UID, err))
			continue
		}
		if diff := cmp.Diff(s, again); diff != "" {
			errs = append(errs, fmt.Sprintf("trace property: replay of uid %d is not deterministic:\n%s", s.UID, diff))
		}
	}
	return errs
}
