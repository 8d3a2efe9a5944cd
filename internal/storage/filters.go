package storage

import (
	"fmt"

	"github.com/google/uuid"
)

// TestFilter controls how queries treat synthetic (is_test) rows.
// The zero value is the production default: exclude all test rows.
type TestFilter struct {
	// IncludeTest includes test rows alongside production rows.
	IncludeTest bool
	// ScenarioID restricts results to one synthetic scenario. Implies test
	// rows only.
	ScenarioID *uuid.UUID
}

// clause renders the filter as a SQL fragment starting with " AND",
// using argIdx as the next positional parameter number. Returns the
// fragment and any bound arguments.
func (f TestFilter) clause(argIdx int) (string, []any) {
	if f.ScenarioID != nil {
		return fmt.Sprintf(" AND is_test = TRUE AND test_scenario_id = $%d", argIdx), []any{*f.ScenarioID}
	}
	if f.IncludeTest {
		return "", nil
	}
	return " AND is_test = FALSE", nil
}
