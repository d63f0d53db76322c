package worker

import (
	"testing"

	"github.com/queuectl/queuectl/internal/domain/job"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	const now = int64(1_000_000)

	tests := []struct {
		name        string
		attempts    int
		maxRetries  int
		backoffBase int
		want        Decision
	}{
		{
			name:     "first failure retries after base seconds",
			attempts: 0, maxRetries: 3, backoffBase: 2,
			want: Decision{State: job.StatePending, Attempts: 1, NextRunAt: now + 2},
		},
		{
			name:     "second failure squares the delay",
			attempts: 1, maxRetries: 3, backoffBase: 2,
			want: Decision{State: job.StatePending, Attempts: 2, NextRunAt: now + 4},
		},
		{
			name:     "last allowed failure still retries",
			attempts: 2, maxRetries: 3, backoffBase: 2,
			want: Decision{State: job.StatePending, Attempts: 3, NextRunAt: now + 8},
		},
		{
			name:     "exceeding max retries dead-letters",
			attempts: 3, maxRetries: 3, backoffBase: 2,
			want: Decision{State: job.StateDead, Attempts: 4},
		},
		{
			name:     "zero max retries dead-letters on first failure",
			attempts: 0, maxRetries: 0, backoffBase: 2,
			want: Decision{State: job.StateDead, Attempts: 1},
		},
		{
			name:     "base three grows cubically",
			attempts: 2, maxRetries: 5, backoffBase: 3,
			want: Decision{State: job.StatePending, Attempts: 3, NextRunAt: now + 27},
		},
		{
			name:     "base below one is clamped to one",
			attempts: 1, maxRetries: 5, backoffBase: 0,
			want: Decision{State: job.StatePending, Attempts: 2, NextRunAt: now + 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.attempts, tt.maxRetries, tt.backoffBase, now)
			assert.Equal(t, tt.want, got)
		})
	}
}
