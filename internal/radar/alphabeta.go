package radar

import "github.com/qiki/dtmp/internal/contracts"

// alphaBeta is an alpha-beta filter over polar coordinates relative to the
// ego craft: range with range rate, bearing with bearing rate. Elevation is
// smoothed with alpha only.
type alphaBeta struct {
	alpha, beta float64

	rangeM     float64
	rangeRate  float64
	bearingDeg float64
	bearingRt  float64
	elevDeg    float64

	initialized bool
}

func newAlphaBeta(alpha, beta float64) *alphaBeta {
	return &alphaBeta{alpha: alpha, beta: beta}
}

// predict extrapolates range and bearing forward by dt without mutating state.
func (f *alphaBeta) predict(dt float64) (rangeM, bearingDeg float64) {
	if !f.initialized {
		return f.rangeM, f.bearingDeg
	}
	return f.rangeM + f.rangeRate*dt, wrapBearing(f.bearingDeg + f.bearingRt*dt)
}

// update folds one detection into the state. The first detection seeds the
// filter directly; rates start at zero unless the detection carries doppler.
func (f *alphaBeta) update(dt float64, det contracts.Detection) {
	if !f.initialized {
		f.rangeM = det.RangeM
		f.bearingDeg = det.BearingDeg
		f.elevDeg = det.ElevationDeg
		if det.RangeRateMS != nil {
			f.rangeRate = *det.RangeRateMS
		}
		f.initialized = true
		return
	}
	if dt <= 0 {
		dt = 1e-3
	}

	rPred := f.rangeM + f.rangeRate*dt
	rResid := det.RangeM - rPred
	f.rangeM = rPred + f.alpha*rResid
	f.rangeRate += f.beta / dt * rResid
	if det.RangeRateMS != nil {
		// Doppler is a direct rate observation; trust it equally.
		f.rangeRate = (f.rangeRate + *det.RangeRateMS) / 2
	}

	bPred := f.bearingDeg + f.bearingRt*dt
	bResid := angleDiff(det.BearingDeg, bPred)
	f.bearingDeg = wrapBearing(bPred + f.alpha*bResid)
	f.bearingRt += f.beta / dt * bResid

	f.elevDeg += f.alpha * (det.ElevationDeg - f.elevDeg)
}

// coast advances the state by dt with no observation.
func (f *alphaBeta) coast(dt float64) {
	if !f.initialized {
		return
	}
	f.rangeM += f.rangeRate * dt
	f.bearingDeg = wrapBearing(f.bearingDeg + f.bearingRt*dt)
}

func wrapBearing(deg float64) float64 {
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	return deg
}

// angleDiff returns a-b wrapped into [-180, 180).
func angleDiff(a, b float64) float64 {
	d := a - b
	for d < -180 {
		d += 360
	}
	for d >= 180 {
		d -= 360
	}
	return d
}
