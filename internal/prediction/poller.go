package prediction

import (
	"context"
	"time"
)

// Poll budget defaults: 60 attempts at 5s, a 5-minute ceiling.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 60
)

// PollResult is the outcome of tracking a job to termination or budget
// exhaustion.
type PollResult struct {
	State    JobState
	TimedOut bool
}

// Poller queries a job's status at a fixed interval until it reaches a
// terminal state or the attempt budget runs out.
type Poller struct {
	Client      Client
	Interval    time.Duration
	MaxAttempts int
}

func NewPoller(client Client) *Poller {
	return &Poller{Client: client, Interval: DefaultPollInterval, MaxAttempts: DefaultMaxAttempts}
}

// Poll blocks until the job is terminal, the budget is exhausted (TimedOut),
// or ctx is cancelled. Transient status-query errors consume an attempt and
// do not abort the loop.
func (p *Poller) Poll(ctx context.Context, handle string) (PollResult, error) {
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		state, err := p.Client.GetStatus(ctx, handle)
		if err == nil && state.Terminal() {
			return PollResult{State: state}, nil
		}
		if err != nil && ctx.Err() != nil {
			return PollResult{}, ctx.Err()
		}

		// A fresh timer per attempt: a slow status query must not leave a
		// stale tick that would shorten the next wait.
		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-time.After(p.Interval):
		}
	}
	return PollResult{State: JobState{Handle: handle}, TimedOut: true}, nil
}
