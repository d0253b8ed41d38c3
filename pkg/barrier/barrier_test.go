package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type arrival struct {
	err error
	at  time.Time
}

func arriveAll(r *Registry, name string, participants []string, expected int, deadline time.Time) []arrival {
	out := make([]arrival, len(participants))
	var wg sync.WaitGroup
	for i, p := range participants {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			err := r.Arrive(context.Background(), name, p, expected, deadline)
			out[i] = arrival{err: err, at: time.Now()}
		}(i, p)
	}
	wg.Wait()
	return out
}

func TestBarrierReleasesWhenAllArrive(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(5 * time.Second)

	results := arriveAll(r, "post-init", []string{"n1", "n2", "n3"}, 3, deadline)
	for _, a := range results {
		assert.NoError(t, a.err)
	}

	tok, ok := r.Token("post-init")
	require.True(t, ok)
	assert.Equal(t, Satisfied, tok.State)
	assert.Len(t, tok.Arrivals, 3)
	assert.Equal(t, 3, tok.Expected)
}

func TestBarrierBlocksUntilLastArrival(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(5 * time.Second)

	released := make(chan time.Time, 2)
	for _, p := range []string{"n1", "n2"} {
		go func(p string) {
			assert.NoError(t, r.Arrive(context.Background(), "post-start", p, 3, deadline))
			released <- time.Now()
		}(p)
	}

	select {
	case <-released:
		t.Fatal("barrier released before the last participant arrived")
	case <-time.After(100 * time.Millisecond):
	}

	lastArrival := time.Now()
	require.NoError(t, r.Arrive(context.Background(), "post-start", "n3", 3, deadline))
	for i := 0; i < 2; i++ {
		at := <-released
		assert.False(t, at.Before(lastArrival))
	}
}

func TestBarrierTimesOutForAllWaiters(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(150 * time.Millisecond)

	results := arriveAll(r, "post-init", []string{"n1", "n2"}, 3, deadline)
	for _, a := range results {
		var fault *BarrierTimeoutFault
		require.True(t, errors.As(a.err, &fault), "got %v", a.err)
		assert.Equal(t, "post-init", fault.Name)
		assert.Equal(t, 3, fault.Expected)
		assert.Equal(t, []string{"n1", "n2"}, fault.Arrived)
		assert.False(t, a.at.Before(deadline), "released before deadline")
	}

	start := time.Now()
	err := r.Arrive(context.Background(), "post-init", "n3", 3, deadline)
	var fault *BarrierTimeoutFault
	require.True(t, errors.As(err, &fault))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "late arrival must not block")

	tok, _ := r.Token("post-init")
	assert.Equal(t, TimedOut, tok.State)
	assert.Len(t, tok.Arrivals, 2)
}

func TestBarrierIsSingleUse(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(time.Second)
	require.NoError(t, r.Arrive(context.Background(), "solo", "n1", 1, deadline))
	assert.ErrorIs(t, r.Arrive(context.Background(), "solo", "n1", 1, deadline), ErrBarrierClosed)
	assert.ErrorIs(t, r.Arrive(context.Background(), "solo", "n2", 1, deadline), ErrBarrierClosed)
}

func TestBarrierRejectsBadArrivals(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(300 * time.Millisecond)
	assert.ErrorIs(t, r.Arrive(context.Background(), "b", "n1", 0, deadline), ErrInvalidParticipants)

	go func() { _ = r.Arrive(context.Background(), "b", "n1", 2, deadline) }()
	require.Eventually(t, func() bool {
		tok, ok := r.Token("b")
		return ok && len(tok.Arrivals) == 1
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, r.Arrive(context.Background(), "b", "n1", 2, deadline), ErrDuplicateArrival)
	assert.ErrorIs(t, r.Arrive(context.Background(), "b", "n2", 3, deadline), ErrExpectedMismatch)
}

func TestBarrierHonoursContext(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := r.Arrive(ctx, "b", "n1", 2, time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBarrierCancelledArrivalIsWithdrawn(t *testing.T) {
	r := NewRegistry()
	deadline := time.Now().Add(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Arrive(ctx, "b", "n1", 2, deadline)
	require.ErrorIs(t, err, context.Canceled)
	tok, ok := r.Token("b")
	require.True(t, ok)
	assert.Empty(t, tok.Arrivals)
	assert.Equal(t, Open, tok.State)

	// n2 alone must not release the barrier; n1 may arrive again.
	errc := make(chan error, 1)
	go func() { errc <- r.Arrive(context.Background(), "b", "n2", 2, deadline) }()
	select {
	case err := <-errc:
		t.Fatalf("released with one live participant: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, r.Arrive(context.Background(), "b", "n1", 2, deadline))
	require.NoError(t, <-errc)
}

// TestBarrierShortOfExpectedNeverReleasesEarly runs barriers of several sizes with one
// participant missing and checks nobody is released before the deadline.
func TestBarrierShortOfExpectedNeverReleasesEarly(t *testing.T) {
	r := NewRegistry()
	for size := 2; size <= 5; size++ {
		deadline := time.Now().Add(80 * time.Millisecond)
		participants := make([]string, 0, size-1)
		for i := 0; i < size-1; i++ {
			participants = append(participants, fmt.Sprintf("n%d", i))
		}
		name := fmt.Sprintf("short-%d", size)
		for _, a := range arriveAll(r, name, participants, size, deadline) {
			var fault *BarrierTimeoutFault
			require.True(t, errors.As(a.err, &fault))
			assert.False(t, a.at.Before(deadline))
		}
	}
}

type recorded struct {
	name, result string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recorded
}

func (f *fakeRecorder) RecordBarrier(name, result string, waited time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recorded{name, result})
}

func TestBarrierRecordsResults(t *testing.T) {
	r := NewRegistry()
	rec := &fakeRecorder{}
	r.SetRecorder(rec)

	arriveAll(r, "ok", []string{"a", "b"}, 2, time.Now().Add(time.Second))
	arriveAll(r, "late", []string{"a"}, 2, time.Now().Add(20*time.Millisecond))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []recorded{{"ok", "satisfied"}, {"ok", "satisfied"}, {"late", "timeout"}}, rec.seen)
}
