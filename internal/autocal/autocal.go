// Package autocal implements the auto-calibration state machine that
// learns field capacity, the management refill point, and the fitted
// drainage/drydown dynamics parameters from observed episodes, without
// user tuning.
package autocal

import (
	"math"
	"sort"

	"github.com/agriscan/node/internal/dynamics"
	"github.com/agriscan/node/internal/events"
	"github.com/agriscan/node/internal/hydraulics"
	"github.com/agriscan/node/internal/model"
	"gonum.org/v1/gonum/stat"
)

// Config holds the tunable thresholds for the state machine.
type Config struct {
	NInit             int     // default 96, relaxed to 10 in simulation mode
	PostEventIgnoreS  int64   // default 3600
	FCUpdateLambda    float64 // EWMA lambda, default 0.25
	EtaRefill         float64 // default 0.5
	RefillWindowS     int64   // default 30 days
	EventTarget       int     // default 8, 3 in simulation mode
	SimulationMode    bool
	Events            events.Config
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		NInit:            96,
		PostEventIgnoreS: 3600,
		FCUpdateLambda:   0.25,
		EtaRefill:        0.5,
		RefillWindowS:    30 * 24 * 3600,
		EventTarget:      8,
		Events:           events.DefaultConfig(),
	}
}

// Simulated returns cfg with the simulation-mode relaxations applied:
// N_init 96->10, event target 8->3.
func (cfg Config) Simulated() Config {
	cfg.SimulationMode = true
	cfg.NInit = 10
	cfg.EventTarget = 3
	return cfg
}

// Machine is the auto-calibration state machine. It owns only its own
// state -- no sibling mutation, no global singleton -- and the caller
// threads the ring buffer in as a read-only borrow on every Tick.
type Machine struct {
	cfg Config

	state   model.CalibrationState
	thetaFC float64
	thetaRefill float64
	haveFC  bool
	haveRefill bool

	eventStart int64
	lastAcceptedEventTs int64
	nEvents int

	dynamics dynamics.Params

	fcHistory []float64 // theta_fc* history for stability_score
	qcPass, qcTotal int
}

// New creates a Machine seeded from soil hydraulic defaults; Seed may be
// called afterward to override the initial field-capacity guess with a
// crop/soil reference lookup.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: model.StateInit}
}

// Seed sets the initial calibration targets directly, bypassing the
// van-Genuchten-derived default. Used when a crop/soil reference entry
// is available at boot.
func (m *Machine) Seed(thetaFC, thetaRefill float64) {
	m.thetaFC = thetaFC
	m.thetaRefill = thetaRefill
	m.haveFC = true
	m.haveRefill = true
}

// State returns the current state machine node.
func (m *Machine) State() model.CalibrationState { return m.state }

// ThetaFC returns the current field-capacity estimate and whether it has
// been set.
func (m *Machine) ThetaFC() (float64, bool) { return m.thetaFC, m.haveFC }

// ThetaRefill returns the current refill threshold estimate and whether
// it has been set.
func (m *Machine) ThetaRefill() (float64, bool) { return m.thetaRefill, m.haveRefill }

// Dynamics returns the currently fitted dynamics parameters.
func (m *Machine) Dynamics() dynamics.Params { return m.dynamics }

// NEvents returns the number of accepted wetting events so far.
func (m *Machine) NEvents() int { return m.nEvents }

// QCStats returns the number of QC-valid ticks and the total number of
// ticks seen, for the diagnostics endpoint's sensor failure rate.
func (m *Machine) QCStats() (pass, total int) { return m.qcPass, m.qcTotal }

// Tick advances the state machine by one sample. history is the ring
// buffer contents ordering oldest-first, including the current sample
// as the last element. qcValid gates calibration learning: a state
// machine tick must not run on a sample with qc_valid=false, though
// the QC counters are still updated regardless.
func (m *Machine) Tick(history []model.Sample, qcValid bool) {
	m.qcTotal++
	if qcValid {
		m.qcPass++
	}
	if !qcValid || len(history) == 0 {
		return
	}
	current := history[len(history)-1]

	switch m.state {
	case model.StateInit:
		m.tickInit(history)
	case model.StateBaselineMonitor:
		m.tickBaselineMonitoring(history, current)
	case model.StateWettingEvent:
		m.tickWettingEvent(current)
	case model.StateDrainageTracking:
		m.tickDrainageTracking(history, current)
	case model.StateFCEstimate:
		m.tickFCEstimate(history, current)
	case model.StateDrydownFit:
		m.tickDrydownFit(history, current)
	case model.StateNormalOperation:
		m.tickNormalOperation(history, current)
	}
}

func (m *Machine) tickInit(history []model.Sample) {
	if len(history) < m.cfg.NInit {
		return
	}
	if !m.haveFC {
		def := hydraulics.Loam()
		m.thetaFC = def.FieldCapacity()
		m.haveFC = true
	}
	if !m.haveRefill {
		dryP5 := percentile(thetas(history), 0.05)
		m.thetaRefill = m.thetaFC - m.cfg.EtaRefill*(m.thetaFC-dryP5)
		m.haveRefill = true
	}
	m.state = model.StateBaselineMonitor
}

func (m *Machine) tickBaselineMonitoring(history []model.Sample, current model.Sample) {
	ev, reason := m.detectWetting(history)
	if reason == events.ReasonAccepted {
		m.eventStart = current.Timestamp
		m.lastAcceptedEventTs = ev.TsEnd
		m.nEvents++
		m.state = model.StateWettingEvent
	}
}

func (m *Machine) tickWettingEvent(current model.Sample) {
	if current.Timestamp-m.eventStart > m.cfg.PostEventIgnoreS {
		m.state = model.StateDrainageTracking
	}
}

func (m *Machine) tickDrainageTracking(history []model.Sample, current model.Sample) {
	holdWindow := windowSince(history, current.Timestamp-int64(m.cfg.Events.HoldHours*3600))
	plateau := events.DetectPlateau(m.cfg.Events, holdWindow)
	if plateau.Detected {
		m.updateFC(plateau.ThetaFC)
		m.fitDrainage(history)
		m.state = model.StateFCEstimate
		return
	}

	slopeWindow := windowSince(history, current.Timestamp-m.cfg.Events.SlopeWindowS)
	slope, ok := events.DryingRate(slopeWindow)
	regime := events.ClassifyRegime(slope, m.cfg.Events.SMin, current.Theta, m.thetaFC, ok)
	if regime == model.RegimeDrydown {
		m.state = model.StateNormalOperation
	}
}

func (m *Machine) tickFCEstimate(history []model.Sample, current model.Sample) {
	window := windowSince(history, current.Timestamp-m.cfg.RefillWindowS)
	if len(window) > 100 {
		dryP5 := percentile(thetas(window), 0.05)
		m.thetaRefill = m.thetaFC - m.cfg.EtaRefill*(m.thetaFC-dryP5)
		m.haveRefill = true
	}
	m.state = model.StateDrydownFit
}

func (m *Machine) tickDrydownFit(history []model.Sample, current model.Sample) {
	_ = current
	m.fitDrydown(history)
	m.state = model.StateNormalOperation
}

func (m *Machine) tickNormalOperation(history []model.Sample, current model.Sample) {
	ev, reason := m.detectWetting(history)
	if reason == events.ReasonAccepted {
		m.eventStart = current.Timestamp
		m.lastAcceptedEventTs = ev.TsEnd
		m.nEvents++
		m.state = model.StateWettingEvent
	}
}

func (m *Machine) detectWetting(history []model.Sample) (model.Event, events.WetEventReason) {
	cfg := m.cfg.Events
	if m.cfg.SimulationMode {
		if ev, reason := m.detectWettingSimulated(history); reason == events.ReasonAccepted {
			return ev, reason
		}
	}
	return events.DetectWetting(cfg, history, m.lastAcceptedEventTs)
}

// detectWettingSimulated applies the simulation-mode relaxation:
// accept a smaller delta-theta as a wetting event if the trailing
// 5-sample trend exceeds 0.03.
func (m *Machine) detectWettingSimulated(history []model.Sample) (model.Event, events.WetEventReason) {
	if len(history) < 5 {
		return model.Event{}, events.ReasonInsufficientHistory
	}
	window := history[len(history)-5:]
	delta := window[len(window)-1].Theta - window[0].Theta
	if delta <= 0.03 {
		return model.Event{}, events.ReasonBelowThreshold
	}
	end := window[len(window)-1]
	if m.lastAcceptedEventTs != 0 && end.Timestamp-m.lastAcceptedEventTs < m.cfg.Events.MinEventSeparationS {
		return model.Event{}, events.ReasonTooSoonAfterLast
	}
	return model.Event{TsStart: window[0].Timestamp, TsEnd: end.Timestamp, EventType: model.EventWetting, DeltaTheta: delta}, events.ReasonAccepted
}

func (m *Machine) updateFC(candidate float64) {
	lambda := m.cfg.FCUpdateLambda
	if !m.haveFC {
		m.thetaFC = candidate
	} else {
		m.thetaFC = (1-lambda)*m.thetaFC + lambda*candidate
	}
	m.haveFC = true
	m.fcHistory = append(m.fcHistory, m.thetaFC)
}

// fitDrainage fits k_d on the drainage segment (theta > theta_fc*) via
// log-linear regression of (theta - theta_fc*) vs hours, requiring >= 5
// points and 0.001 <= k_d <= 1.0.
func (m *Machine) fitDrainage(history []model.Sample) {
	var hours, logResid []float64
	var t0 int64
	first := true
	for _, s := range history {
		if s.Theta <= m.thetaFC {
			continue
		}
		if first {
			t0 = s.Timestamp
			first = false
		}
		resid := s.Theta - m.thetaFC
		if resid <= 0 {
			continue
		}
		hours = append(hours, float64(s.Timestamp-t0)/3600.0)
		logResid = append(logResid, math.Log(resid))
	}
	if len(hours) < 5 {
		return
	}
	_, slope := stat.LinearRegression(hours, logResid, nil, false)
	kd := -slope
	if kd < 0.001 || kd > 1.0 {
		return
	}
	m.dynamics.KDrainage = kd
}

// fitDrydown fits (k_u, beta=1, theta_min) via a simplified closed-form
// fit on the samples of history at or below theta_fc, once there are at
// least 10 of them. The segment is not filtered by regime: every sample
// at or below theta_fc is used, whatever its regime.
func (m *Machine) fitDrydown(history []model.Sample) {
	var segment []model.Sample
	for _, s := range history {
		if s.Theta <= m.thetaFC {
			segment = append(segment, s)
		}
	}
	if len(segment) < 10 {
		return
	}

	ths := thetas(segment)
	thetaMin := minf(ths) - 0.01
	start, end := segment[0], segment[len(segment)-1]
	tHours := float64(end.Timestamp-start.Timestamp) / 3600.0
	if tHours <= 0 {
		return
	}
	num := end.Theta - thetaMin
	den := start.Theta - thetaMin
	if num <= 0 || den <= 0 {
		return
	}
	ku := -math.Log(num/den) / tHours
	if ku <= 0 || ku >= 0.1 {
		return
	}
	m.dynamics.KDrydown = ku
	m.dynamics.Beta = 1
	m.dynamics.ThetaMin = thetaMin
}

// Confidence computes the auto-calibration confidence score from a
// weighted blend of event count, field-capacity stability, QC pass rate
// and data progress, plus a bonus for state-machine progress, clamped
// to [0, 1].
func (m *Machine) Confidence() float64 {
	w := struct{ e, s, q, f float64 }{0.40, 0.25, 0.20, 0.15}

	target := float64(m.cfg.EventTarget)
	eventScore := math.Min(float64(m.nEvents)/target, 1)

	stabilityScore := 1.0
	if len(m.fcHistory) >= 3 {
		stabilityScore = math.Exp(-stddev(m.fcHistory) / 0.02)
	} else if len(m.fcHistory) > 0 {
		stabilityScore = float64(len(m.fcHistory)) / 3.0
	}

	qcRate := 1.0
	if m.qcTotal > 0 {
		qcRate = float64(m.qcPass) / float64(m.qcTotal)
	}

	dataProgress := math.Min(float64(m.qcTotal)/50.0, 1)

	c := w.e*eventScore + w.s*stabilityScore + w.q*qcRate + w.f*dataProgress + stateBonus(m.state)
	return clamp01(c)
}

func stateBonus(state model.CalibrationState) float64 {
	order := []model.CalibrationState{
		model.StateInit,
		model.StateBaselineMonitor,
		model.StateWettingEvent,
		model.StateDrainageTracking,
		model.StateFCEstimate,
		model.StateDrydownFit,
		model.StateNormalOperation,
	}
	for i, s := range order {
		if s == state {
			return 0.25 * float64(i) / float64(len(order)-1)
		}
	}
	return 0
}

func thetas(history []model.Sample) []float64 {
	out := make([]float64, len(history))
	for i, s := range history {
		out[i] = s.Theta
	}
	return out
}

func windowSince(history []model.Sample, cutoff int64) []model.Sample {
	idx := 0
	for idx < len(history) && history[idx].Timestamp < cutoff {
		idx++
	}
	return history[idx:]
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

func minf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
