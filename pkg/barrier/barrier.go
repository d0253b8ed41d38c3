// Package barrier implements named, single-use synchronization points shared
// by the per-node control goroutines of one test run.
//
// A barrier is armed by its first arrival, which fixes the expected participant
// count and the deadline. It is satisfied when that many distinct participants
// have arrived, releasing every waiter at once. If the deadline passes first,
// every current waiter and every later arrival receives the same
// *BarrierTimeoutFault. Either way the name is spent.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrBarrierClosed       = errors.New("barrier already satisfied")
	ErrDuplicateArrival    = errors.New("participant already arrived at barrier")
	ErrExpectedMismatch    = errors.New("expected participant count differs from the armed barrier")
	ErrInvalidParticipants = errors.New("expected participant count must be positive")
)

// BarrierTimeoutFault is returned to every waiter of a barrier whose deadline
// passed before all participants arrived.
type BarrierTimeoutFault struct {
	Name     string
	Expected int
	Arrived  []string
}

func (f *BarrierTimeoutFault) Error() string {
	return fmt.Sprintf("barrier %q timed out with %d of %d participants %v", f.Name, len(f.Arrived), f.Expected, f.Arrived)
}

// State is the lifecycle of one barrier.
type State int

const (
	Open State = iota
	Satisfied
	TimedOut
)

func (s State) String() string {
	switch s {
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed-out"
	default:
		return "open"
	}
}

// Token is a snapshot of a barrier.
type Token struct {
	Name     string
	Expected int
	Arrivals map[string]time.Time
	Deadline time.Time
	State    State
}

// Recorder receives barrier completions. metrics.Registry implements it.
type Recorder interface {
	RecordBarrier(name string, result string, waited time.Duration)
}

type barrier struct {
	name     string
	expected int
	deadline time.Time
	arrivals map[string]time.Time
	state    State
	err      error
	done     chan struct{}
	timer    *time.Timer
}

// Registry holds every barrier of a run.
type Registry struct {
	mu       sync.Mutex
	barriers map[string]*barrier
	rec      Recorder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{barriers: make(map[string]*barrier)}
}

// SetRecorder attaches a recorder for barrier outcomes.
func (r *Registry) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec = rec
}

// Arrive registers participant at the named barrier and blocks until the
// barrier is satisfied, its deadline passes, or ctx is done.
func (r *Registry) Arrive(ctx context.Context, name, participant string, expected int, deadline time.Time) error {
	if expected <= 0 {
		return ErrInvalidParticipants
	}
	start := time.Now()

	r.mu.Lock()
	b, ok := r.barriers[name]
	if !ok {
		b = &barrier{
			name:     name,
			expected: expected,
			deadline: deadline,
			arrivals: make(map[string]time.Time, expected),
			done:     make(chan struct{}),
		}
		r.barriers[name] = b
		b.timer = time.AfterFunc(time.Until(deadline), func() { r.expire(b) })
	}
	switch {
	case b.state == Satisfied:
		r.mu.Unlock()
		return ErrBarrierClosed
	case b.state == TimedOut:
		err := b.err
		r.mu.Unlock()
		return err
	case b.expected != expected:
		r.mu.Unlock()
		return ErrExpectedMismatch
	}
	if _, dup := b.arrivals[participant]; dup {
		r.mu.Unlock()
		return ErrDuplicateArrival
	}
	b.arrivals[participant] = start
	if len(b.arrivals) == b.expected {
		b.state = Satisfied
		b.timer.Stop()
		close(b.done)
	}
	done := b.done
	rec := r.rec
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		// A participant that gave up no longer counts toward the barrier.
		r.mu.Lock()
		if b.state == Open {
			delete(b.arrivals, participant)
		}
		r.mu.Unlock()
		return ctx.Err()
	}

	r.mu.Lock()
	err := b.err
	r.mu.Unlock()
	if rec != nil {
		result := "satisfied"
		if err != nil {
			result = "timeout"
		}
		rec.RecordBarrier(name, result, time.Since(start))
	}
	return err
}

func (r *Registry) expire(b *barrier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.state != Open {
		return
	}
	b.state = TimedOut
	b.err = &BarrierTimeoutFault{Name: b.name, Expected: b.expected, Arrived: sortedKeys(b.arrivals)}
	close(b.done)
}

// Token returns a snapshot of the named barrier.
func (r *Registry) Token(name string) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.barriers[name]
	if !ok {
		return Token{}, false
	}
	arrivals := make(map[string]time.Time, len(b.arrivals))
	for k, v := range b.arrivals {
		arrivals[k] = v
	}
	return Token{Name: b.name, Expected: b.expected, Arrivals: arrivals, Deadline: b.deadline, State: b.state}, true
}

func sortedKeys(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
