package dynamics

import "github.com/agriscan/node/internal/model"

// StatusHysteresis is the default hysteresis band H.
const StatusHysteresis = 0.01

// StatusEngine tracks the last emitted status so that REFILL -> OPTIMAL
// transitions require crossing theta_refill* + H, preventing flapping
// around the refill threshold.
// It holds no other pipeline state and is safe to snapshot by value.
type StatusEngine struct {
	last model.Status
}

// Evaluate classifies one sample's status and urgency given the current
// theta, the calibration targets (thetaFC, thetaRefill, refillKnown),
// and the drying rate. H is the hysteresis band (StatusHysteresis for
// production).
func (e *StatusEngine) Evaluate(theta, thetaFC, thetaRefill float64, refillKnown bool, dryingRate, h float64) (model.Status, model.Urgency) {
	if !refillKnown {
		e.last = model.StatusUnknown
		return model.StatusUnknown, model.UrgencyNone
	}

	if e.last == model.StatusRefill {
		// Stay in REFILL until theta recovers past refill + H.
		if theta <= thetaRefill+h {
			e.last = model.StatusRefill
			return model.StatusRefill, model.UrgencyHigh
		}
	}

	status, urgency := classify(theta, thetaFC, thetaRefill, dryingRate, h)
	e.last = status
	return status, urgency
}

func classify(theta, thetaFC, thetaRefill, dryingRate, h float64) (model.Status, model.Urgency) {
	switch {
	case theta < thetaRefill-h:
		return model.StatusRefill, model.UrgencyHigh
	case theta < thetaFC*0.9 && dryingRate < -0.002:
		return model.StatusMonitor, model.UrgencyMedium
	case theta < thetaFC && dryingRate < -0.0005:
		return model.StatusMonitor, model.UrgencyMedium
	case theta < thetaFC:
		return model.StatusOptimal, model.UrgencyLow
	default:
		return model.StatusFull, model.UrgencyNone
	}
}

// Last returns the most recently evaluated status.
func (e *StatusEngine) Last() model.Status {
	return e.last
}
