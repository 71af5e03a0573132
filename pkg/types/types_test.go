package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapacityValidate(t *testing.T) {
	tests := []struct {
		name     string
		capacity Capacity
		wantErr  bool
	}{
		{name: "ordered", capacity: Capacity{Min: 1, Desired: 2, Max: 3}},
		{name: "all zero", capacity: Capacity{}},
		{name: "desired below min", capacity: Capacity{Min: 2, Desired: 1, Max: 3}, wantErr: true},
		{name: "desired above max", capacity: Capacity{Min: 0, Desired: 4, Max: 3}, wantErr: true},
		{name: "negative", capacity: Capacity{Min: -1, Desired: 0, Max: 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.capacity.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobWithStateCopies(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	job := Job{ID: "job-1", Status: JobStatus{State: JobStateAccepted}}

	killed := job.WithState(JobStateKillInitiated, "user request", now)

	assert.Equal(t, JobStateAccepted, job.Status.State)
	assert.Equal(t, JobStateKillInitiated, killed.Status.State)
	assert.Equal(t, "user request", killed.Status.Reason)
	assert.Equal(t, now, killed.Status.Timestamp)
}

func TestTaskState(t *testing.T) {
	assert.True(t, TaskStateFinished.IsTerminal())
	assert.False(t, TaskStateKillInitiated.IsTerminal())
}
