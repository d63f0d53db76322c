package worker

import "github.com/queuectl/queuectl/internal/domain/job"

// Decision is the outcome of the retry policy for one failed execution.
type Decision struct {
	State     job.State
	Attempts  int
	NextRunAt int64
}

// Decide maps a failed execution to either a re-queue with exponential
// backoff or a dead-letter. attempts is the pre-increment count; the
// decision carries attempts+1. Delay is backoffBase^(attempts+1) seconds,
// integer math, no jitter, so retry timing is reproducible in tests.
func Decide(attempts, maxRetries, backoffBase int, now int64) Decision {
	next := attempts + 1

	if next > maxRetries {
		return Decision{State: job.StateDead, Attempts: next}
	}

	if backoffBase < 1 {
		backoffBase = 1
	}

	delay := int64(1)
	for i := 0; i < next; i++ {
		delay *= int64(backoffBase)
	}

	return Decision{
		State:     job.StatePending,
		Attempts:  next,
		NextRunAt: now + delay,
	}
}
