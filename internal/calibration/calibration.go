// Package calibration implements the raw-ADC-to-volumetric-water-content
// mapping and the trailing-history quality-control checks.
package calibration

import (
	"math"

	"github.com/agriscan/node/internal/model"
	"gonum.org/v1/gonum/stat"
)

// Breakpoint is one (raw, theta) knot of the factory calibration curve.
type Breakpoint struct {
	Raw   float64
	Theta float64
}

// DefaultCurve is the factory capacitive-sensor curve, used until a
// node-specific curve is loaded from configuration.
func DefaultCurve() []Breakpoint {
	return []Breakpoint{
		{Raw: 250, Theta: 0.00},
		{Raw: 450, Theta: 0.10},
		{Raw: 650, Theta: 0.25},
		{Raw: 850, Theta: 0.40},
		{Raw: 1000, Theta: 0.50},
	}
}

// Config holds the site and temperature correction coefficients and the
// QC thresholds applied to each reading.
type Config struct {
	Curve []Breakpoint

	Gain   float64 // site correction gain, default 1
	Offset float64 // site correction offset, default 0

	TempCoeff float64 // a, default 0 (disabled open question)
	TempRef   float64 // T_ref, default 20

	ThetaMin float64 // physical lower bound, default 0
	ThetaMax float64 // physical upper bound, default 0.50

	SpikeZThresh float64 // default 6
	StuckEps     float64 // default 0.001
	StuckMinHold int      // minimum trailing samples for STUCK, default 10

	TempMin float64 // default -10
	TempMax float64 // default 60
}

// DefaultConfig returns the default calibration
// configuration.
func DefaultConfig() Config {
	return Config{
		Curve:        DefaultCurve(),
		Gain:         1,
		Offset:       0,
		TempCoeff:    0,
		TempRef:      20,
		ThetaMin:     0,
		ThetaMax:     0.50,
		SpikeZThresh: 6,
		StuckEps:     0.001,
		StuckMinHold: 10,
		TempMin:      -10,
		TempMax:      60,
	}
}

// RawToTheta maps a raw ADC reading to volumetric water content via
// piecewise-linear interpolation over the curve, clamping outside the
// endpoints.
func RawToTheta(curve []Breakpoint, raw float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	if raw <= curve[0].Raw {
		return curve[0].Theta
	}
	last := curve[len(curve)-1]
	if raw >= last.Raw {
		return last.Theta
	}
	for i := 0; i < len(curve)-1; i++ {
		a, b := curve[i], curve[i+1]
		if raw >= a.Raw && raw <= b.Raw {
			frac := (raw - a.Raw) / (b.Raw - a.Raw)
			return a.Theta + frac*(b.Theta-a.Theta)
		}
	}
	return last.Theta
}

// Reading is the result of applying the full calibration chain to one
// raw sample.
type Reading struct {
	Theta   float64
	QCFlags []model.QCFlag
}

// QCValid reports whether Reading carries no quality-control flags.
func (r Reading) QCValid() bool {
	return len(r.QCFlags) == 0
}

// Apply runs the raw->theta mapping, site and temperature corrections,
// and quality-control checks for one reading against the trailing
// history (oldest first, NOT including the current reading).
func Apply(cfg Config, raw int, tempC float64, history []model.Sample) Reading {
	theta := RawToTheta(cfg.Curve, float64(raw))
	theta = cfg.Gain*theta + cfg.Offset
	theta += cfg.TempCoeff * (tempC - cfg.TempRef)
	theta = clamp(theta, cfg.ThetaMin, cfg.ThetaMax)

	var flags []model.QCFlag

	if theta <= cfg.ThetaMin || theta >= cfg.ThetaMax {
		flags = append(flags, model.QCOutOfBounds)
	}
	if tempC < cfg.TempMin || tempC > cfg.TempMax {
		flags = append(flags, model.QCTempOutOfRange)
	}
	if spike(cfg, theta, history) {
		flags = append(flags, model.QCSpike)
	}
	if stuck(cfg, theta, history) {
		flags = append(flags, model.QCStuck)
	}

	return Reading{Theta: theta, QCFlags: flags}
}

func spike(cfg Config, theta float64, history []model.Sample) bool {
	last5 := trailingThetas(history, 5)
	if len(last5) < 5 {
		return false
	}
	mean := stat.Mean(last5, nil)
	std := stat.StdDev(last5, nil)
	const eps = 1e-9
	z := math.Abs(theta-mean) / (std + eps)
	return z > cfg.SpikeZThresh
}

func stuck(cfg Config, theta float64, history []model.Sample) bool {
	last9 := trailingThetas(history, cfg.StuckMinHold-1)
	if len(last9) < cfg.StuckMinHold-1 {
		return false
	}
	window := append(append([]float64{}, last9...), theta)
	lo, hi := window[0], window[0]
	for _, v := range window {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return (hi - lo) < cfg.StuckEps
}

func trailingThetas(history []model.Sample, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if len(history) < n {
		n = len(history)
	}
	tail := history[len(history)-n:]
	out := make([]float64, len(tail))
	for i, s := range tail {
		out[i] = s.Theta
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
