// Package events implements the wetting-event detector, the
// ordinary-least-squares drying-rate slope, the field-capacity plateau
// detector, and the regime classifier.
package events

import (
	"sort"

	"github.com/agriscan/node/internal/model"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// Config holds the thresholds the detector operates with.
type Config struct {
	WetJumpThresh       float64 // default 0.02
	MinEventSeparationS int64   // default 43200 (12h)
	SlopeWindowS        int64   // default 7200 (2h)
	SMin                float64 // default 5e-4
	HoldHours           float64 // default 8
	HoldMinSamples      int     // default 10
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		WetJumpThresh:       0.02,
		MinEventSeparationS: 12 * 3600,
		SlopeWindowS:        2 * 3600,
		SMin:                5e-4,
		HoldHours:           8,
		HoldMinSamples:      10,
	}
}

// WetEventReason explains why a wetting check did or did not fire.
type WetEventReason string

const (
	ReasonAccepted            WetEventReason = "accepted"
	ReasonBelowThreshold      WetEventReason = "below_threshold"
	ReasonTooSoonAfterLast    WetEventReason = "too_soon_after_last_event"
	ReasonInsufficientHistory WetEventReason = "insufficient_history"
)

// DetectWetting checks the trailing window (history, oldest-first, must
// include the current sample as the last element) for a wetting event
// over a 2-hour window, subject to the minimum-separation cooldown since
// lastAcceptedTs (0 if none yet).
func DetectWetting(cfg Config, history []model.Sample, lastAcceptedTs int64) (model.Event, WetEventReason) {
	if len(history) == 0 {
		return model.Event{}, ReasonInsufficientHistory
	}
	end := history[len(history)-1]
	windowStart := end.Timestamp - cfg.SlopeWindowS

	var start model.Sample
	found := false
	for _, s := range history {
		if s.Timestamp >= windowStart {
			start = s
			found = true
			break
		}
	}
	if !found {
		return model.Event{}, ReasonInsufficientHistory
	}

	delta := end.Theta - start.Theta
	if delta < cfg.WetJumpThresh {
		return model.Event{}, ReasonBelowThreshold
	}
	if lastAcceptedTs != 0 && end.Timestamp-lastAcceptedTs < cfg.MinEventSeparationS {
		return model.Event{}, ReasonTooSoonAfterLast
	}

	return model.Event{
		ID:         uuid.NewString(),
		TsStart:    start.Timestamp,
		TsEnd:      end.Timestamp,
		EventType:  model.EventWetting,
		DeltaTheta: delta,
	}, ReasonAccepted
}

// DryingRate computes the ordinary-least-squares slope of theta versus
// time (hours) over the trailing window (history must already be
// restricted to the slope window by the caller, oldest-first). Returns
// (0, false) with fewer than 3 points.
func DryingRate(history []model.Sample) (float64, bool) {
	if len(history) < 3 {
		return 0, false
	}
	hours := make([]float64, len(history))
	thetas := make([]float64, len(history))
	t0 := history[0].Timestamp
	for i, s := range history {
		hours[i] = float64(s.Timestamp-t0) / 3600.0
		thetas[i] = s.Theta
	}
	_, slope := stat.LinearRegression(hours, thetas, nil, false)
	return slope, true
}

// PlateauResult is the outcome of the field-capacity plateau check.
type PlateauResult struct {
	Detected bool
	ThetaFC  float64
}

// DetectPlateau looks for a sustained FC plateau in the trailing hold
// window (history restricted to the hold window by the caller,
// oldest-first): |drying_rate| < s_min sustained with at least
// HoldMinSamples samples spanning at least HoldHours.
func DetectPlateau(cfg Config, history []model.Sample) PlateauResult {
	if len(history) < cfg.HoldMinSamples {
		return PlateauResult{}
	}
	spanHours := float64(history[len(history)-1].Timestamp-history[0].Timestamp) / 3600.0
	if spanHours < cfg.HoldHours {
		return PlateauResult{}
	}
	slope, ok := DryingRate(history)
	if !ok || absf(slope) >= cfg.SMin {
		return PlateauResult{}
	}
	thetas := make([]float64, len(history))
	for i, s := range history {
		thetas[i] = s.Theta
	}
	return PlateauResult{Detected: true, ThetaFC: median(thetas)}
}

// ClassifyRegime assigns a Regime from the current slope and theta.
func ClassifyRegime(slope float64, sMin float64, theta, thetaFC float64, slopeKnown bool) model.Regime {
	if !slopeKnown {
		return model.RegimeUnknown
	}
	switch {
	case slope > 0.001:
		return model.RegimeWetting
	case absf(slope) < sMin:
		return model.RegimeStable
	case theta > thetaFC:
		return model.RegimeDrainage
	default:
		return model.RegimeDrydown
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func median(values []float64) float64 {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
