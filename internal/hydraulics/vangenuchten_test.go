package hydraulics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoamDefaults(t *testing.T) {
	p := Loam()
	require.InDelta(t, 0.078, p.ThetaR, 1e-9)
	require.InDelta(t, 0.43, p.ThetaS, 1e-9)
}

func TestFieldCapacityAndPWP(t *testing.T) {
	p := Loam()
	fc := p.FieldCapacity()
	pwp := p.PermanentWiltingPoint()
	require.Greater(t, fc, pwp)
	require.Greater(t, fc, p.ThetaR)
	require.Less(t, fc, p.ThetaS)
}

func TestRoundTripThetaPsi(t *testing.T) {
	p := Loam()
	lo := p.ThetaR + 0.01
	hi := p.ThetaS - 0.01
	for theta := lo; theta < hi; theta += 0.02 {
		psi := p.Psi(theta)
		got := p.Theta(psi)
		require.InDelta(t, theta, got, 1e-4)
	}
}

func TestPsiSaturated(t *testing.T) {
	p := Loam()
	require.InDelta(t, p.ThetaS, p.Theta(0), 1e-9)
}

func TestConductivityBounds(t *testing.T) {
	p := Loam()
	require.InDelta(t, p.Ks, p.Conductivity(p.ThetaS), 1e-9)
	require.Less(t, p.Conductivity(p.ThetaR+0.0001), p.Ks*1e-5)
}

func TestConductivityMonotonic(t *testing.T) {
	p := Loam()
	prev := 0.0
	for theta := p.ThetaR + 0.02; theta < p.ThetaS; theta += 0.02 {
		k := p.Conductivity(theta)
		require.GreaterOrEqual(t, k, prev)
		prev = k
	}
}

func TestAvailableWater(t *testing.T) {
	fc := 0.30
	pwp := 0.12
	aw := Available(0.30, fc, pwp, 30)
	require.InDelta(t, (fc-pwp)*30*10, aw.TAW, 1e-9)
	require.InDelta(t, 0, aw.FractionDepleted, 1e-9)

	dry := Available(pwp, fc, pwp, 30)
	require.InDelta(t, 1, dry.FractionDepleted, 1e-9)

	belowPWP := Available(pwp-0.05, fc, pwp, 30)
	require.InDelta(t, 1, belowPWP.FractionDepleted, 1e-9)
	require.InDelta(t, 0, belowPWP.AW, 1e-9)
}

func TestAvailableWaterClampsFraction(t *testing.T) {
	// theta above field capacity should not produce a negative fraction below 0
	aw := Available(0.5, 0.3, 0.1, 30)
	require.GreaterOrEqual(t, aw.FractionDepleted, 0.0)
	require.LessOrEqual(t, aw.FractionDepleted, 1.0)
}

func TestPsiKPaConversion(t *testing.T) {
	p := Loam()
	theta := 0.15
	require.InDelta(t, p.Psi(theta)/10, p.PsiKPa(theta), 1e-9)
}

func TestPsiMonotonicDecreasingWithTheta(t *testing.T) {
	p := Loam()
	prevPsi := math.Inf(1)
	for theta := p.ThetaR + 0.01; theta < p.ThetaS-0.01; theta += 0.03 {
		psi := p.Psi(theta)
		require.LessOrEqual(t, psi, prevPsi)
		prevPsi = psi
	}
}
