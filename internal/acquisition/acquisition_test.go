package acquisition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agriscan/node/internal/probe"
	"github.com/agriscan/node/internal/timeutil"
	"github.com/stretchr/testify/require"
)

func TestLoopDeliversStampedTicks(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	src := probe.NewFixtureSource([]probe.Reading{{Raw: 111, TempC: 21.5}})
	loop := New(clock, src, 15*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = loop.Run(ctx)
	}()

	clock.Advance(15 * time.Minute)

	select {
	case tick := <-loop.C():
		require.Equal(t, 111, tick.Raw)
		require.InDelta(t, 21.5, tick.TempC, 0.001)
		require.Equal(t, int64(1), tick.Seq)
		require.Equal(t, int64(1000)+int64(15*time.Minute/time.Second), tick.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("tick was not delivered")
	}

	cancel()
	wg.Wait()
}

func TestLoopIncrementsSeqOnEveryTick(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := probe.NewFixtureSource([]probe.Reading{{Raw: 1, TempC: 1}, {Raw: 2, TempC: 2}})
	loop := New(clock, src, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = loop.Run(ctx)
	}()

	for i := 0; i < 2; i++ {
		clock.Advance(time.Second)
		select {
		case tick := <-loop.C():
			require.Equal(t, int64(i+1), tick.Seq)
		case <-time.After(2 * time.Second):
			t.Fatal("tick was not delivered")
		}
	}

	cancel()
	wg.Wait()
}

type erroringSource struct{ err error }

func (s erroringSource) Read(ctx context.Context) (probe.Reading, error) { return probe.Reading{}, s.err }
func (s erroringSource) Close() error                                    { return nil }

func TestLoopSurvivesReadErrorsAndKeepsTicking(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	loop := New(clock, erroringSource{err: errors.New("sensor offline")}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = loop.Run(ctx)
	}()

	clock.Advance(time.Second)
	select {
	case <-loop.C():
		t.Fatal("no tick should be delivered on a read error")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

func TestLoopStopsOnContextCancellation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := probe.NewFixtureSource([]probe.Reading{{Raw: 1, TempC: 1}})
	loop := New(clock, src, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
