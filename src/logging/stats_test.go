package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineStats_Counts(t *testing.T) {
	t.Parallel()

	s := NewPipelineStats("worker-1")
	s.Admitted("a")
	s.Admitted("b")
	s.Rejected()

	mid := s.GetStats()
	assert.Equal(t, "worker-1", mid.ID)
	assert.Equal(t, uint64(2), mid.TasksAdmitted)
	assert.Equal(t, uint64(1), mid.TasksRejected)
	assert.ElementsMatch(t, []string{"a", "b"}, mid.ActiveTasks)

	s.Finished("a", "pass", 0)
	s.Finished("b", "conditional-pass", 2)
	s.DatabaseFailure()

	end := s.GetStats()
	assert.Empty(t, end.ActiveTasks)
	assert.Equal(t, uint64(1), end.DecisionsPass)
	assert.Equal(t, uint64(1), end.DecisionsBlocked)
	assert.Equal(t, uint64(2), end.MissingVerdicts)
	assert.Equal(t, uint64(1), end.DatabaseFailures)
}

func TestPipelineStats_FinishedWithoutDecision(t *testing.T) {
	t.Parallel()

	s := NewPipelineStats("w")
	s.Admitted("x")
	s.Finished("x", "", 0)

	got := s.GetStats()
	assert.Zero(t, got.DecisionsPass+got.DecisionsBlocked+got.DecisionsHuman)
	assert.Empty(t, got.ActiveTasks)
}
