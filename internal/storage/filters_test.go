package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestFilterClause_Default(t *testing.T) {
	// The zero value is the production default: exclude test rows.
	clause, args := TestFilter{}.clause(2)
	assert.Equal(t, " AND is_test = FALSE", clause)
	assert.Empty(t, args)
}

func TestTestFilterClause_IncludeTest(t *testing.T) {
	clause, args := TestFilter{IncludeTest: true}.clause(2)
	assert.Empty(t, clause)
	assert.Empty(t, args)
}

func TestTestFilterClause_Scenario(t *testing.T) {
	id := uuid.New()
	clause, args := TestFilter{ScenarioID: &id}.clause(3)

	assert.Equal(t, " AND is_test = TRUE AND test_scenario_id = $3", clause)
	require.Len(t, args, 1)
	assert.Equal(t, id, args[0])
}

func TestTestFilterClause_ScenarioOverridesIncludeTest(t *testing.T) {
	id := uuid.New()
	clause, _ := TestFilter{IncludeTest: true, ScenarioID: &id}.clause(2)
	assert.Contains(t, clause, "test_scenario_id = $2")
}

func TestQualifyTestClause(t *testing.T) {
	clause, _ := TestFilter{}.clause(2)
	got := qualifyTestClause(clause, "a")
	assert.Equal(t, " AND a.is_test = FALSE", got)

	id := uuid.New()
	clause, _ = TestFilter{ScenarioID: &id}.clause(2)
	got = qualifyTestClause(clause, "s")
	assert.Equal(t, " AND s.is_test = TRUE AND s.test_scenario_id = $2", got)

	assert.Empty(t, qualifyTestClause("", "s"))
}
