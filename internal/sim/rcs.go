package sim

import (
	"fmt"

	"github.com/qiki/dtmp/internal/contracts"
)

// rcsRateRadS2 is the angular acceleration of one thruster pair at full duty.
const rcsRateRadS2 = 0.05

type rcsBurn struct {
	duty       float64
	remainingS float64
}

// RcsController tracks commanded attitude burns per axis.
type RcsController struct {
	burns map[string]*rcsBurn
}

func NewRcsController() *RcsController {
	return &RcsController{burns: make(map[string]*rcsBurn)}
}

// Command schedules a burn. A second command on the same axis replaces the
// running burn.
func (r *RcsController) Command(axis string, duty, durationS float64) error {
	switch axis {
	case "roll", "pitch", "yaw":
	default:
		return fmt.Errorf("rcs: unknown axis %q", axis)
	}
	if duty < 0 || duty > 1 {
		return fmt.Errorf("rcs: duty %.3f out of [0,1]", duty)
	}
	if durationS <= 0 {
		return fmt.Errorf("rcs: duration %.3fs must be positive", durationS)
	}
	r.burns[axis] = &rcsBurn{duty: duty, remainingS: durationS}
	return nil
}

// Step consumes burn time and returns the body-rate delta for this tick.
func (r *RcsController) Step(dt float64) contracts.Vec3 {
	var delta contracts.Vec3
	for axis, burn := range r.burns {
		t := dt
		if burn.remainingS < t {
			t = burn.remainingS
		}
		accel := burn.duty * rcsRateRadS2 * t
		switch axis {
		case "roll":
			delta.X += accel
		case "pitch":
			delta.Y += accel
		case "yaw":
			delta.Z += accel
		}
		burn.remainingS -= t
		if burn.remainingS <= 0 {
			delete(r.burns, axis)
		}
	}
	return delta
}

// Burning reports whether any axis has burn time left.
func (r *RcsController) Burning() bool { return len(r.burns) > 0 }

func (r *RcsController) Reset() {
	r.burns = make(map[string]*rcsBurn)
}
