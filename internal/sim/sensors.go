package sim

import (
	"math/rand"

	"github.com/qiki/dtmp/internal/contracts"
)

// SensorSuite steps the raw sensor plane. A disabled sensor leaves its
// telemetry field nil so the key never reaches the wire.
type SensorSuite struct {
	rng *rand.Rand

	imuEnabled bool
	radEnabled bool
	magEnabled bool

	imuRates     contracts.Vec3
	doseUSv      float64
	doseRateUSvH float64
	magHeading   float64
}

func NewSensorSuite(rng *rand.Rand) *SensorSuite {
	return &SensorSuite{
		rng:          rng,
		imuEnabled:   true,
		radEnabled:   true,
		magEnabled:   true,
		doseRateUSvH: 0.12,
	}
}

// SetEnabled switches a sensor on or off. Unknown names are ignored.
func (s *SensorSuite) SetEnabled(sensor string, enabled bool) {
	switch sensor {
	case "imu":
		s.imuEnabled = enabled
	case "radiation":
		s.radEnabled = enabled
	case "mag":
		s.magEnabled = enabled
	}
}

// Step advances the sensor plane: IMU mirrors the body rates with noise,
// radiation dose integrates its rate, the magnetometer tracks heading.
func (s *SensorSuite) Step(dt float64, omega contracts.Vec3, headingDeg float64) {
	if s.imuEnabled {
		s.imuRates = contracts.Vec3{
			X: omega.X + s.noise(0.001),
			Y: omega.Y + s.noise(0.001),
			Z: omega.Z + s.noise(0.001),
		}
	}
	if s.radEnabled {
		rate := s.doseRateUSvH + s.noise(0.01)
		if rate < 0 {
			rate = 0
		}
		s.doseUSv += rate * dt / 3600
	}
	if s.magEnabled {
		s.magHeading = normDeg(headingDeg + s.noise(0.5))
	}
}

// RadiationRateUSvH returns the current dose rate for the snapshot.
func (s *SensorSuite) RadiationRateUSvH() (float64, bool) {
	return s.doseRateUSvH, s.radEnabled
}

func (s *SensorSuite) Telemetry() *contracts.SensorPlane {
	plane := &contracts.SensorPlane{}
	if s.imuEnabled {
		rates := s.imuRates
		plane.ImuRatesRadS = &rates
	}
	if s.radEnabled {
		plane.RadiationDoseUSv = contracts.Float(s.doseUSv)
	}
	if s.magEnabled {
		plane.MagHeadingDeg = contracts.Float(s.magHeading)
	}
	return plane
}

func (s *SensorSuite) Reset() {
	s.doseUSv = 0
	s.imuRates = contracts.Vec3{}
	s.magHeading = 0
}

func (s *SensorSuite) noise(scale float64) float64 {
	return (s.rng.Float64()*2 - 1) * scale
}

func normDeg(d float64) float64 {
	for d < 0 {
		d += 360
	}
	for d >= 360 {
		d -= 360
	}
	return d
}
