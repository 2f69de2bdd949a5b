// Package hydraulics implements the van Genuchten soil-water retention
// curve and the Mualem-van Genuchten hydraulic conductivity model, plus
// the plant-available-water accounting derived from them.
package hydraulics

import "math"

// Params are the van Genuchten retention parameters for a soil.
// Ks is the saturated hydraulic conductivity (cm/day); it participates
// only in Conductivity, not in Theta/Psi.
type Params struct {
	ThetaR float64 `json:"theta_r"` // residual water content
	ThetaS float64 `json:"theta_s"` // saturated water content
	Alpha  float64 `json:"alpha"`   // cm^-1
	N      float64 `json:"n"`       // shape parameter, N > 1
	Ks     float64 `json:"ks"`      // saturated conductivity, cm/day
}

// Loam returns generic loam parameters, the conservative default soil
// when a node hasn't been told which soil it's sitting in.
func Loam() Params {
	return Params{ThetaR: 0.078, ThetaS: 0.43, Alpha: 0.036, N: 1.56, Ks: 25.0}
}

// m is the van Genuchten m = 1 - 1/n shape parameter.
func (p Params) m() float64 {
	return 1 - 1/p.N
}

// Theta returns the volumetric water content at matric potential psiCm
// (cm H2O, conventionally negative or zero for unsaturated soil; the
// magnitude is what matters here). psiCm == 0 is treated as saturation.
func (p Params) Theta(psiCm float64) float64 {
	psi := math.Abs(psiCm)
	if psi == 0 {
		return p.ThetaS
	}
	m := p.m()
	se := math.Pow(1+math.Pow(p.Alpha*psi, p.N), -m)
	return p.ThetaR + (p.ThetaS-p.ThetaR)*se
}

// Psi inverts Theta: given a volumetric water content theta, returns the
// matric potential magnitude in cm H2O. theta is clamped to
// (ThetaR+1e-3, ThetaS-1e-3) before inversion to avoid a singularity at
// full saturation or full dryness.
func (p Params) Psi(theta float64) float64 {
	lo := p.ThetaR + 0.001
	hi := p.ThetaS - 0.001
	if theta < lo {
		theta = lo
	}
	if theta > hi {
		theta = hi
	}
	se := (theta - p.ThetaR) / (p.ThetaS - p.ThetaR)
	m := p.m()
	// se = [1 + (alpha*psi)^n]^-m  =>  psi = ((se^(-1/m) - 1))^(1/n) / alpha
	inner := math.Pow(se, -1/m) - 1
	if inner < 0 {
		inner = 0
	}
	return math.Pow(inner, 1/p.N) / p.Alpha
}

// PsiKPa returns the matric potential magnitude in kPa for the given
// theta: psi_kPa = psi_cm / 10.
func (p Params) PsiKPa(theta float64) float64 {
	return p.Psi(theta) / 10
}

// FieldCapacity returns theta at psi = 330 cm (~ -33 kPa), the
// conventional field-capacity reference point.
func (p Params) FieldCapacity() float64 {
	return p.Theta(330)
}

// PermanentWiltingPoint returns theta at psi = 15000 cm, the
// conventional permanent-wilting-point reference.
func (p Params) PermanentWiltingPoint() float64 {
	return p.Theta(15000)
}

// Conductivity evaluates the Mualem-van Genuchten unsaturated hydraulic
// conductivity K(theta), in the same units as Ks.
func (p Params) Conductivity(theta float64) float64 {
	se := (theta - p.ThetaR) / (p.ThetaS - p.ThetaR)
	const l = 0.5
	switch {
	case se >= 1:
		return p.Ks
	case se <= 0.01:
		return p.Ks * 1e-10
	}
	m := p.m()
	inner := 1 - math.Pow(1-math.Pow(se, 1/m), m)
	return p.Ks * math.Pow(se, l) * inner * inner
}

// AvailableWater holds the plant-available-water accounting for a root
// zone of depth Z (cm) given field capacity and permanent wilting point.
type AvailableWater struct {
	TAW              float64 // total available water, mm
	AW               float64 // current available water, mm
	DepletionMM      float64 // D_r, mm
	FractionDepleted float64 // clamp(D_r/TAW, 0, 1)
}

// Available computes the available-water accounting for the given theta,
// field capacity, permanent wilting point, and root depth Z (cm).
func Available(theta, thetaFC, thetaPWP, rootDepthCM float64) AvailableWater {
	taw := (thetaFC - thetaPWP) * rootDepthCM * 10
	aw := (theta - thetaPWP) * rootDepthCM * 10
	if aw < 0 {
		aw = 0
	}
	dr := taw - aw
	frac := 0.0
	if taw > 0 {
		frac = dr / taw
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return AvailableWater{TAW: taw, AW: aw, DepletionMM: dr, FractionDepleted: frac}
}
