package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusLifecycle(t *testing.T) {
	for _, status := range []JobStatus{JobStatusPending, JobStatusProcessing} {
		assert.False(t, status.IsTerminal(), status)
		assert.True(t, status.CanTransitionTo(JobStatusCancelled), status)
	}
	for _, status := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusRolledBack} {
		assert.True(t, status.IsTerminal(), status)
		assert.False(t, status.CanTransitionTo(JobStatusCancelled), status)
	}
	assert.True(t, JobStatusCompleted.CanTransitionTo(JobStatusRolledBack))
	assert.False(t, JobStatusFailed.CanTransitionTo(JobStatusRolledBack))
}
