package probe

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidSpec = errors.New("retry spec needs a positive max duration and poll interval")
	ErrCrashLoop   = errors.New("daemon kept crashing after restarts")
	ErrFatal       = errors.New("probe policy declared the outcome fatal")
)

// ProbeTimeoutFault is returned when a daemon never reached Ready within the retry budget.
type ProbeTimeoutFault struct {
	Node     string
	Last     Outcome
	Attempts int
	Restarts int
	Elapsed  time.Duration
}

func (f *ProbeTimeoutFault) Error() string {
	return fmt.Sprintf("%s: not ready after %s (%d probes, %d restarts, last outcome %s)",
		f.Node, f.Elapsed.Round(time.Millisecond), f.Attempts, f.Restarts, f.Last)
}

// ProbeFatalFault is returned when the controller stops before its deadline
// because the policy declared an outcome fatal or restarts were exhausted.
type ProbeFatalFault struct {
	Node     string
	Outcome  Outcome
	Restarts int
	Err      error
}

func (f *ProbeFatalFault) Error() string {
	return fmt.Sprintf("%s: %v (outcome %s, %d restarts)", f.Node, f.Err, f.Outcome, f.Restarts)
}

func (f *ProbeFatalFault) Unwrap() error { return f.Err }
