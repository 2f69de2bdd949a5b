// Package pipeline threads one acquisition tick through calibration,
// hydraulics, event detection, auto-calibration, and the status engine,
// and persists the result. It owns every piece of mutable pipeline
// state explicitly on a Context value -- no package-level singleton --
// so multiple nodes (or a test and production node) never share state
// by accident.
package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agriscan/node/internal/acquisition"
	"github.com/agriscan/node/internal/agriscanerr"
	"github.com/agriscan/node/internal/autocal"
	"github.com/agriscan/node/internal/calibration"
	"github.com/agriscan/node/internal/db"
	"github.com/agriscan/node/internal/dynamics"
	"github.com/agriscan/node/internal/events"
	"github.com/agriscan/node/internal/hydraulics"
	"github.com/agriscan/node/internal/model"
	"github.com/agriscan/node/internal/monitoring"
	"github.com/agriscan/node/internal/ringbuffer"
	"github.com/agriscan/node/internal/timeutil"
)

// DefaultRingCapacity targets roughly 30 days of history at a 15-minute
// cadence.
const DefaultRingCapacity = 2880

// DefaultBMax bounds the in-RAM pending-sample batch at roughly a day's
// worth of ticks at the default cadence, past which persistence is
// considered to be lagging badly enough to start shedding history
// rather than growing without bound.
const DefaultBMax = 96

// Config holds every tunable the pipeline needs, gathered from
// internal/config.TuningConfig and internal/reference.Table at startup.
type Config struct {
	Calibration      calibration.Config
	Events           events.Config
	Autocal          autocal.Config
	Soil             hydraulics.Params
	RootDepthCM      float64
	RefillHysteresis float64
	RingCapacity     int
	BatchSize        int
	BMax             int
}

// DefaultConfig returns a reasonable default configuration, suitable
// for --dev mode or as a base to override from TuningConfig.
func DefaultConfig() Config {
	return Config{
		Calibration:      calibration.DefaultConfig(),
		Events:           events.DefaultConfig(),
		Autocal:          autocal.DefaultConfig(),
		Soil:             hydraulics.Loam(),
		RootDepthCM:      30.0,
		RefillHysteresis: dynamics.StatusHysteresis,
		RingCapacity:     DefaultRingCapacity,
		BatchSize:        6,
		BMax:             DefaultBMax,
	}
}

// Context is the single owner of a node's pipeline state: the trailing
// sample history, the auto-calibration machine, the status engine, and
// the pending write batch. Safe for concurrent use by one acquisition
// goroutine calling Process and one HTTP goroutine reading Snapshot.
type Context struct {
	mu sync.Mutex

	cfg   Config
	clock timeutil.Clock
	store *db.DB

	buf     *ringbuffer.Buffer
	autocal *autocal.Machine
	status  dynamics.StatusEngine

	lastAcceptedEventTs int64
	lastPersistedState  model.CalibrationState
	lastPersistedFC     float64
	haveLastPersisted   bool

	pending []model.Sample
}

// New builds a Context wired to store for persistence and clock for
// calibration-version timestamps. Call Seed before the first Process
// call if a crop/soil reference lookup supplied an initial field
// capacity and refill point.
func New(cfg Config, clock timeutil.Clock, store *db.DB) *Context {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BMax < cfg.BatchSize {
		cfg.BMax = DefaultBMax
	}
	// Events thresholds are threaded through both the top-level detector
	// (component D) and the auto-calibration machine's internal reuse of
	// it (component E); keep them in lockstep so a caller only ever sets
	// cfg.Events once.
	cfg.Autocal.Events = cfg.Events
	return &Context{
		cfg:     cfg,
		clock:   clock,
		store:   store,
		buf:     ringbuffer.New(cfg.RingCapacity),
		autocal: autocal.New(cfg.Autocal),
	}
}

// Seed overrides the auto-calibration machine's initial field-capacity
// and refill-point guess with a crop/soil reference lookup, bypassing
// the van-Genuchten-derived default.
func (c *Context) Seed(thetaFC, thetaRefill float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autocal.Seed(thetaFC, thetaRefill)
}

// SeedHistory rebuilds the ring buffer from a caller-supplied tail of
// previously persisted samples (oldest first), so a restarted process
// resumes its slope fits and plateau detection from the last persisted
// state instead of an empty window. Call this once, before the first
// Process call.
func (c *Context) SeedHistory(samples []model.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Seed(samples)
}

// Snapshot returns the trailing sample history, oldest first. Safe to
// call concurrently with Process.
func (c *Context) Snapshot() []model.Sample {
	return c.buf.Snapshot()
}

// Latest returns the most recently processed sample, if any.
func (c *Context) Latest() (model.Sample, bool) {
	return c.buf.Newest()
}

// AutocalState returns the auto-calibration machine's current state and
// confidence, for the diagnostics endpoint.
func (c *Context) AutocalState() (model.CalibrationState, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocal.State(), c.autocal.Confidence()
}

// EventsCaptured returns the number of accepted wetting events so far,
// for the diagnostics endpoint's calibration summary.
func (c *Context) EventsCaptured() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocal.NEvents()
}

// QCStats returns the number of QC-valid ticks and the total ticks
// processed, for the diagnostics endpoint's sensor failure rate.
func (c *Context) QCStats() (pass, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocal.QCStats()
}

// Process runs one acquisition tick through the full pipeline: raw ->
// theta calibration and QC, auto-calibration state advancement, wetting
// event detection, dynamics regime classification, and status
// hysteresis. The resulting Sample is pushed onto the ring buffer and
// queued for a batched database write. A state machine tick never runs
// on a QC-invalid sample, but the sample is still recorded
// and persisted with its QC flags set.
func (c *Context) Process(tick acquisition.Tick) (model.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := c.buf.Snapshot()

	calReading := calibration.Apply(c.cfg.Calibration, tick.Raw, tick.TempC, history)
	qcValid := calReading.QCValid()

	current := model.Sample{
		Timestamp: tick.Timestamp,
		Raw:       tick.Raw,
		TempC:     tick.TempC,
		Theta:     calReading.Theta,
		QCValid:   qcValid,
		QCFlags:   calReading.QCFlags,
		Seq:       tick.Seq,
	}
	historyWithCurrent := append(history, current)

	c.autocal.Tick(historyWithCurrent, qcValid)

	thetaFC, haveFC := c.autocal.ThetaFC()
	thetaRefill, haveRefill := c.autocal.ThetaRefill()

	cutoff := tick.Timestamp - c.cfg.Events.SlopeWindowS
	slopeWindow := windowSince(historyWithCurrent, cutoff)
	dryingRate, slopeKnown := events.DryingRate(slopeWindow)

	regime := model.RegimeUnknown
	if haveFC {
		regime = events.ClassifyRegime(dryingRate, c.cfg.Events.SMin, current.Theta, thetaFC, slopeKnown)
	}

	status, urgency := c.status.Evaluate(current.Theta, thetaFC, thetaRefill, haveRefill, dryingRate, c.cfg.RefillHysteresis)

	current.ThetaFC = thetaFC
	current.ThetaRefill = thetaRefill
	current.DryingRate = dryingRate
	current.Regime = regime
	current.Status = status
	current.Urgency = urgency
	current.Confidence = c.autocal.Confidence()

	if haveFC {
		thetaPWP := c.cfg.Soil.PermanentWiltingPoint()
		current.PsiKPa = c.cfg.Soil.PsiKPa(current.Theta)
		aw := hydraulics.Available(current.Theta, thetaFC, thetaPWP, c.cfg.RootDepthCM)
		current.AWmm = aw.AW
		current.FractionDepleted = aw.FractionDepleted
	}

	c.buf.Push(current)

	if err := c.recordWettingEvent(historyWithCurrent); err != nil {
		return current, err
	}
	if err := c.recordCalibrationVersionLocked(); err != nil {
		return current, err
	}
	if err := c.enqueueLocked(current); err != nil {
		return current, err
	}

	return current, nil
}

func (c *Context) recordWettingEvent(history []model.Sample) error {
	ev, reason := events.DetectWetting(c.cfg.Events, history, c.lastAcceptedEventTs)
	if reason != events.ReasonAccepted {
		return nil
	}
	c.lastAcceptedEventTs = ev.TsEnd
	if err := c.store.InsertEvent(ev); err != nil {
		return agriscanerr.New(agriscanerr.KindStorage, fmt.Errorf("persist wetting event: %w", err))
	}
	return nil
}

func (c *Context) recordCalibrationVersionLocked() error {
	state := c.autocal.State()
	thetaFC, haveFC := c.autocal.ThetaFC()
	if !haveFC {
		return nil
	}
	if c.haveLastPersisted && state == c.lastPersistedState && thetaFC == c.lastPersistedFC {
		return nil
	}

	thetaRefill, _ := c.autocal.ThetaRefill()
	d := c.autocal.Dynamics()
	paramsJSON, err := marshalDynamicsParams(d)
	if err != nil {
		return fmt.Errorf("marshal dynamics params: %w", err)
	}

	_, err = c.store.InsertCalibration(model.CalibrationVersion{
		Timestamp:   c.clock.Now().Unix(),
		State:       state,
		ThetaFC:     thetaFC,
		ThetaRefill: thetaRefill,
		NEvents:     c.autocal.NEvents(),
		Confidence:  c.autocal.Confidence(),
		ParamsJSON:  paramsJSON,
	})
	if err != nil {
		return agriscanerr.New(agriscanerr.KindStorage, fmt.Errorf("persist calibration version: %w", err))
	}

	c.lastPersistedState = state
	c.lastPersistedFC = thetaFC
	c.haveLastPersisted = true
	return nil
}

// enqueueLocked batches sample writes so the database absorbs one
// transaction every BatchSize ticks rather than one per sample,
// flushing immediately once the batch fills. If persistence is lagging
// (flushLocked keeps failing) the pending batch is allowed to grow up
// to BMax; beyond that the oldest pending samples are dropped to make
// room, with a persistence_backpressure event logged. The ring buffer
// is never affected by this.
func (c *Context) enqueueLocked(s model.Sample) error {
	if len(c.pending) >= c.cfg.BMax {
		drop := len(c.pending) - c.cfg.BMax + 1
		monitoring.Logf(
			"persistence_backpressure: pending batch at B_max=%d, dropping %d oldest sample(s)",
			c.cfg.BMax, drop,
		)
		c.pending = append(c.pending[:0], c.pending[drop:]...)
	}
	c.pending = append(c.pending, s)
	if len(c.pending) < c.cfg.BatchSize {
		return nil
	}
	return c.flushLocked()
}

func (c *Context) flushLocked() error {
	if len(c.pending) == 0 {
		return nil
	}
	if err := c.store.InsertSamples(c.pending); err != nil {
		return agriscanerr.New(agriscanerr.KindStorage, fmt.Errorf("flush sample batch: %w", err))
	}
	c.pending = c.pending[:0]
	return nil
}

// Flush writes any batched-but-unwritten samples to the database. Call
// this from the shutdown path so a partially filled batch is never
// silently lost.
func (c *Context) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func marshalDynamicsParams(d dynamics.Params) (string, error) {
	b, err := json.Marshal(model.DynamicsParams{
		KDrainage: d.KDrainage,
		KDrydown:  d.KDrydown,
		Beta:      d.Beta,
		ThetaMin:  d.ThetaMin,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func windowSince(history []model.Sample, cutoff int64) []model.Sample {
	idx := 0
	for idx < len(history) && history[idx].Timestamp < cutoff {
		idx++
	}
	return history[idx:]
}
