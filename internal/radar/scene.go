// Package radar implements the sensing pipeline: a deterministic scene
// generator feeding frames into the stream, and a consumer that maintains
// the track picture and fires guard alerts from it.
package radar

import (
	"math"
	"math/rand"
	"strings"

	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

// Contact is one scene object on a linear trajectory.
type Contact struct {
	ID     string
	Pos    contracts.Vec3
	Vel    contracts.Vec3
	Mode   contracts.XpdrMode
	XpdrID string
}

// Scene generates radar frames from the configured contacts. It is owned by
// the sim tick thread; no internal locking.
type Scene struct {
	rng          *rand.Rand
	contacts     []*Contact
	srThresholdM float64
	maxRangeM    float64
	snrBase      float64
	noiseRangeM  float64
	source       string
}

func NewScene(cfg config.RadarConfig, source string, seed int64) *Scene {
	s := &Scene{
		rng:          rand.New(rand.NewSource(seed)),
		srThresholdM: cfg.SrThresholdM,
		maxRangeM:    cfg.MaxRangeM,
		snrBase:      cfg.SnrBase,
		noiseRangeM:  cfg.NoiseRangeM,
		source:       source,
	}
	for _, cc := range cfg.Contacts {
		mode := contracts.XpdrMode(strings.ToUpper(cc.Transponder.Mode))
		if !mode.Valid() {
			mode = contracts.XpdrOn
		}
		s.contacts = append(s.contacts, &Contact{
			ID:     cc.ID,
			Pos:    contracts.Vec3{X: cc.Start.X, Y: cc.Start.Y, Z: cc.Start.Z},
			Vel:    contracts.Vec3{X: cc.VelMS.X, Y: cc.VelMS.Y, Z: cc.VelMS.Z},
			Mode:   mode,
			XpdrID: cc.Transponder.ID,
		})
	}
	return s
}

// Contacts exposes the scene objects for scenario setup.
func (s *Scene) Contacts() []*Contact { return s.contacts }

// Step advances every contact by dt and renders one frame from the ego pose.
// LR detections never carry identity; the frame is clean by construction.
func (s *Scene) Step(dt, tsEpoch float64, tsMonoNs int64, ego contracts.Pose) contracts.RadarFrame {
	frame := contracts.RadarFrame{
		Source:   s.source,
		TsEpoch:  tsEpoch,
		TsMonoNs: tsMonoNs,
		EgoPose:  ego,
	}
	for _, c := range s.contacts {
		c.Pos.X += c.Vel.X * dt
		c.Pos.Y += c.Vel.Y * dt
		c.Pos.Z += c.Vel.Z * dt

		rel := contracts.Vec3{X: c.Pos.X - ego.Position.X, Y: c.Pos.Y - ego.Position.Y, Z: c.Pos.Z - ego.Position.Z}
		rangeM := math.Sqrt(rel.X*rel.X + rel.Y*rel.Y + rel.Z*rel.Z)
		if rangeM > s.maxRangeM || rangeM == 0 {
			continue
		}

		relVel := contracts.Vec3{X: c.Vel.X - ego.Velocity.X, Y: c.Vel.Y - ego.Velocity.Y, Z: c.Vel.Z - ego.Velocity.Z}
		rangeRate := (rel.X*relVel.X + rel.Y*relVel.Y + rel.Z*relVel.Z) / rangeM

		det := contracts.Detection{
			BearingDeg:   normBearing(math.Atan2(rel.Y, rel.X) * 180 / math.Pi),
			ElevationDeg: math.Atan2(rel.Z, math.Hypot(rel.X, rel.Y)) * 180 / math.Pi,
			RangeM:       rangeM + s.noise(s.noiseRangeM),
			SNR:          s.snr(rangeM),
			Band:         Classify(rangeM, s.srThresholdM),
			RangeRateMS:  contracts.Float(rangeRate),
		}
		if det.RangeM < 0 {
			det.RangeM = 0
		}
		if det.Band == contracts.BandSR && c.Mode.Emitting() && c.XpdrID != "" {
			det.TransponderID = c.XpdrID
			det.IDPresent = true
		}
		frame.Detections = append(frame.Detections, det)
	}
	contracts.StripIdentity(frame.Detections)
	return frame
}

// snr falls off with the fourth power of range, floored at 1.
func (s *Scene) snr(rangeM float64) float64 {
	ref := s.srThresholdM
	if ref <= 0 {
		ref = 100
	}
	v := s.snrBase - 40*math.Log10(math.Max(rangeM, 1)/ref)
	return math.Max(v, 1)
}

func (s *Scene) noise(scale float64) float64 {
	if scale == 0 {
		return 0
	}
	return (s.rng.Float64()*2 - 1) * scale
}

func normBearing(deg float64) float64 {
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	return deg
}
