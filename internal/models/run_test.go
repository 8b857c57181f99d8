package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusCanTransition(t *testing.T) {
	tests := []struct {
		from RunStatus
		to   RunStatus
		want bool
	}{
		{RunQueued, RunPreparing, true},
		{RunQueued, RunError, true},
		{RunQueued, RunRunning, false},
		{RunPreparing, RunSubmitting, true},
		{RunSubmitting, RunRunning, true},
		{RunRunning, RunCollecting, true},
		{RunCollecting, RunEvaluating, true},
		{RunEvaluating, RunReporting, true},
		{RunReporting, RunPassed, true},
		{RunReporting, RunFailed, true},
		{RunReporting, RunError, true},
		// No stage may be skipped.
		{RunPreparing, RunRunning, false},
		{RunRunning, RunReporting, false},
		// Terminal states admit nothing, not even error.
		{RunPassed, RunError, false},
		{RunFailed, RunQueued, false},
		{RunError, RunPreparing, false},
		// No backwards moves.
		{RunRunning, RunSubmitting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunPassed, RunFailed, RunError} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []RunStatus{RunQueued, RunPreparing, RunSubmitting, RunRunning, RunCollecting, RunEvaluating, RunReporting} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestRunStatusEveryStateCanError(t *testing.T) {
	for _, s := range []RunStatus{RunQueued, RunPreparing, RunSubmitting, RunRunning, RunCollecting, RunEvaluating, RunReporting} {
		assert.True(t, s.CanTransition(RunError), string(s))
	}
}

func TestRunTriggerValid(t *testing.T) {
	assert.True(t, TriggerManual.Valid())
	assert.True(t, TriggerCI.Valid())
	assert.True(t, TriggerScheduled.Valid())
	assert.False(t, RunTrigger("cron").Valid())
}

func TestRunStatusValid(t *testing.T) {
	assert.True(t, RunQueued.Valid())
	assert.False(t, RunStatus("paused").Valid())
}
