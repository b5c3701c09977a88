package upload

import (
	"context"
	"log/slog"
	"time"
)

// PollState is a node of the vendor processing state machine.
type PollState string

const (
	PollWaiting  PollState = "waiting"
	PollChecking PollState = "checking"
	PollDone     PollState = "done"
	PollFailed   PollState = "failed"
	PollTimedOut PollState = "timed_out"
	PollCanceled PollState = "canceled"
)

// Terminal reports whether the machine stops in this state.
func (s PollState) Terminal() bool {
	switch s {
	case PollDone, PollFailed, PollTimedOut, PollCanceled:
		return true
	default:
		return false
	}
}

// PollStatus is the vendor answer for one check.
type PollStatus struct {
	Done   bool
	Failed bool
	Detail string
}

// CheckFunc queries the vendor once. A returned error consumes the attempt
// without ending the loop.
type CheckFunc func(ctx context.Context, attempt int) (PollStatus, error)

// Poller runs a check every Interval for at most Attempts attempts.
type Poller struct {
	Interval time.Duration
	Attempts int
	Logger   *slog.Logger
}

// PollOutcome is the terminal state reached by Run.
type PollOutcome struct {
	State    PollState
	Attempts int
	Detail   string
	LastErr  error
}

// Run drives the poll state machine until it reaches a terminal state. Each
// wait selects on ctx so cancellation ends the loop within one interval.
func (p Poller) Run(ctx context.Context, check CheckFunc) PollOutcome {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	outcome := PollOutcome{State: PollWaiting}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for !outcome.State.Terminal() {
		switch outcome.State {
		case PollWaiting:
			if outcome.Attempts >= p.Attempts {
				outcome.State = PollTimedOut
				continue
			}
			select {
			case <-ctx.Done():
				outcome.State = PollCanceled
				outcome.LastErr = ctx.Err()
			case <-timer.C:
				outcome.State = PollChecking
			}
		case PollChecking:
			outcome.Attempts++
			status, err := check(ctx, outcome.Attempts)
			switch {
			case ctx.Err() != nil:
				outcome.State = PollCanceled
				outcome.LastErr = ctx.Err()
			case err != nil:
				outcome.LastErr = err
				logger.Warn("vendor status check failed", "attempt", outcome.Attempts, "error", err)
				outcome.State = PollWaiting
			case status.Failed:
				outcome.State = PollFailed
				outcome.Detail = status.Detail
			case status.Done:
				outcome.State = PollDone
				outcome.Detail = status.Detail
			default:
				outcome.Detail = status.Detail
				outcome.LastErr = nil
				outcome.State = PollWaiting
			}
			if outcome.State == PollWaiting {
				timer.Reset(interval)
			}
		}
	}
	return outcome
}

// Failure converts a non-done outcome into a typed failure; it returns nil
// for PollDone.
func (o PollOutcome) Failure(op string) *Failure {
	switch o.State {
	case PollDone:
		return nil
	case PollFailed:
		return Fail(FailureProcessing, op, "vendor reported failure: %s", o.Detail)
	case PollCanceled:
		return Wrap(FailureCanceled, op, o.LastErr)
	default:
		f := Fail(FailureTimeout, op, "vendor did not finish processing after %d attempts", o.Attempts)
		if o.Detail != "" {
			f.Detail += " (last status " + o.Detail + ")"
		}
		if o.LastErr != nil {
			f.Detail += " (last check error: " + o.LastErr.Error() + ")"
		}
		return f
	}
}
