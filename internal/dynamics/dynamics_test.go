package dynamics

import (
	"testing"

	"github.com/agriscan/node/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRateDrainageAboveFC(t *testing.T) {
	p := Params{KDrainage: 0.1, KDrydown: 0.02, Beta: 1, ThetaMin: 0.05}
	r := Rate(p, 0.35, 0.30)
	require.InDelta(t, -0.005, r, 1e-9)
}

func TestRateDrydownBelowFC(t *testing.T) {
	p := Params{KDrainage: 0.1, KDrydown: 0.02, Beta: 1, ThetaMin: 0.05}
	r := Rate(p, 0.20, 0.30)
	require.InDelta(t, -0.02*(0.20-0.05), r, 1e-9)
}

func TestRateAtThetaMinIsZero(t *testing.T) {
	p := Params{KDrainage: 0.1, KDrydown: 0.02, Beta: 1, ThetaMin: 0.05}
	require.Equal(t, 0.0, Rate(p, 0.05, 0.30))
}

func TestSimulateClampsToSaturation(t *testing.T) {
	p := Params{KDrainage: 5, KDrydown: 0.02, Beta: 1, ThetaMin: 0.05}
	out := Simulate(p, 0.50, 0.30, 0.43, 6, 24)
	for _, f := range out {
		require.LessOrEqual(t, f.Theta, 0.43)
	}
}

func TestIrrigationDelta(t *testing.T) {
	got := IrrigationDelta(0.20, 10, 30, 0.43)
	require.InDelta(t, 0.20+10.0/300.0, got, 1e-9)
}

func TestIrrigationDeltaCapped(t *testing.T) {
	got := IrrigationDelta(0.40, 100, 30, 0.43)
	require.Equal(t, 0.43, got)
}

func TestDrainageQuality(t *testing.T) {
	require.Equal(t, "poor", DrainageQuality(0.005))
	require.Equal(t, "good", DrainageQuality(0.05))
	require.Equal(t, "excessive", DrainageQuality(0.2))
}

func TestStatusEngineBasicClassification(t *testing.T) {
	var e StatusEngine
	st, urg := e.Evaluate(0.35, 0.30, 0.20, true, 0, StatusHysteresis)
	require.Equal(t, model.StatusFull, st)
	require.Equal(t, model.UrgencyNone, urg)

	st, _ = e.Evaluate(0.25, 0.30, 0.20, true, -0.001, StatusHysteresis)
	require.Equal(t, model.StatusMonitor, st)

	st, urg = e.Evaluate(0.15, 0.30, 0.20, true, -0.001, StatusHysteresis)
	require.Equal(t, model.StatusRefill, st)
	require.Equal(t, model.UrgencyHigh, urg)
}

func TestStatusEngineUnknownWithoutRefill(t *testing.T) {
	var e StatusEngine
	st, urg := e.Evaluate(0.25, 0.30, 0, false, 0, StatusHysteresis)
	require.Equal(t, model.StatusUnknown, st)
	require.Equal(t, model.UrgencyNone, urg)
}

func TestStatusEngineHysteresisPreventsFlapping(t *testing.T) {
	var e StatusEngine
	// Enter REFILL.
	st, _ := e.Evaluate(0.15, 0.30, 0.20, true, -0.001, StatusHysteresis)
	require.Equal(t, model.StatusRefill, st)

	// Rises just above refill threshold but still within hysteresis band: must stay REFILL.
	st, _ = e.Evaluate(0.205, 0.30, 0.20, true, 0.001, StatusHysteresis)
	require.Equal(t, model.StatusRefill, st)

	// Crosses above refill + H: now allowed to leave REFILL.
	st, _ = e.Evaluate(0.22, 0.30, 0.20, true, 0.001, StatusHysteresis)
	require.NotEqual(t, model.StatusRefill, st)
}
