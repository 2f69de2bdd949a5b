package calibration

import (
	"testing"

	"github.com/agriscan/node/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRawToThetaEndpoints(t *testing.T) {
	curve := DefaultCurve()
	require.InDelta(t, 0.0, RawToTheta(curve, 100), 1e-9)
	require.InDelta(t, 0.5, RawToTheta(curve, 2000), 1e-9)
}

func TestRawToThetaInterpolation(t *testing.T) {
	curve := DefaultCurve()
	require.InDelta(t, 0.25, RawToTheta(curve, 650), 1e-9)
	require.InDelta(t, 0.325, RawToTheta(curve, 750), 1e-9)
}

func TestApplyNoFlagsOnCleanReading(t *testing.T) {
	cfg := DefaultConfig()
	r := Apply(cfg, 650, 22, nil)
	require.True(t, r.QCValid())
	require.InDelta(t, 0.25, r.Theta, 1e-9)
}

func TestApplyTempOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	r := Apply(cfg, 650, 75, nil)
	require.False(t, r.QCValid())
	require.Contains(t, r.QCFlags, model.QCTempOutOfRange)
}

func TestApplySpikeDetection(t *testing.T) {
	cfg := DefaultConfig()
	history := makeHistory(0.25, 5)
	r := Apply(cfg, 50, 22, history) // raw=50 -> theta=0, far from 0.25 baseline
	require.Contains(t, r.QCFlags, model.QCSpike)
}

func TestApplyStuckDetection(t *testing.T) {
	cfg := DefaultConfig()
	theta := RawToTheta(cfg.Curve, 600)
	history := makeHistory(theta, 9)
	r := Apply(cfg, 600, 22, history)
	require.Contains(t, r.QCFlags, model.QCStuck)
}

func TestApplyOutOfBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Offset = -1 // force theta below 0 after corrections
	r := Apply(cfg, 250, 22, nil)
	require.Contains(t, r.QCFlags, model.QCOutOfBounds)
}

func makeHistory(theta float64, n int) []model.Sample {
	out := make([]model.Sample, n)
	for i := range out {
		out[i] = model.Sample{Timestamp: int64(i), Theta: theta}
	}
	return out
}
