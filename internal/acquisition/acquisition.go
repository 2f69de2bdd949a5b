// Package acquisition drives the sample clock: at a configured cadence
// it reads the probe, stamps the reading with wall-clock time, and
// hands it off to whatever is consuming the Loop's channel.
package acquisition

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/agriscan/node/internal/probe"
	"github.com/agriscan/node/internal/timeutil"
)

// Tick is one timestamped raw reading ready for calibration.
type Tick struct {
	Raw       int
	TempC     float64
	Timestamp int64 // unix seconds
	Seq       int64
}

// Loop ticks a probe.Source at a fixed cadence and delivers readings on
// a single-slot channel. The channel has capacity 1: if a consumer is
// still processing the previous tick when the next one is due, the
// send blocks until it drains rather than dropping the reading. Seq
// increments on every tick regardless, so a slow consumer is visible
// as a gap in elapsed time, never as missing data.
type Loop struct {
	clock  timeutil.Clock
	source probe.Source
	period time.Duration

	out chan Tick
	seq int64
}

// New builds a Loop that reads source every period and stamps readings
// using clock.
func New(clock timeutil.Clock, source probe.Source, period time.Duration) *Loop {
	return &Loop{
		clock:  clock,
		source: source,
		period: period,
		out:    make(chan Tick, 1),
	}
}

// C returns the channel readings are delivered on.
func (l *Loop) C() <-chan Tick {
	return l.out
}

// Run ticks until ctx is cancelled. Read errors are logged and do not
// stop the loop; the sensor node keeps trying at the next cadence.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := l.tick(ctx); err != nil {
				log.Printf("acquisition: read failed: %v", err)
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	r, err := l.source.Read(ctx)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}

	t := Tick{
		Raw:       r.Raw,
		TempC:     r.TempC,
		Timestamp: l.clock.Now().Unix(),
		Seq:       atomic.AddInt64(&l.seq, 1),
	}

	select {
	case l.out <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
