package radar

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

func sceneConfig(contacts ...config.RadarContactConfig) config.RadarConfig {
	cfg := radarConfig()
	cfg.Contacts = contacts
	return cfg
}

func contactAt(id string, x, y, vx float64, mode, xpdrID string) config.RadarContactConfig {
	return config.RadarContactConfig{
		ID:          id,
		Start:       config.Vec3Config{X: x, Y: y},
		VelMS:       config.Vec3Config{X: vx},
		Transponder: config.TransponderConfig{Mode: mode, ID: xpdrID},
	}
}

// ===== SCENE GENERATION =====

func TestSceneMovesContactsLinearly(t *testing.T) {
	s := NewScene(sceneConfig(contactAt("c1", 200, 0, -10, "ON", "XP-9")), "q-sim", 1)

	frame := s.Step(1, 1000, 1, contracts.Pose{})
	require.Len(t, frame.Detections, 1)
	d := frame.Detections[0]
	assert.InDelta(t, 190, d.RangeM, 1e-9)
	assert.InDelta(t, 0, d.BearingDeg, 1e-9)
	require.NotNil(t, d.RangeRateMS)
	assert.InDelta(t, -10, *d.RangeRateMS, 1e-9)

	frame = s.Step(1, 1001, 2, contracts.Pose{})
	assert.InDelta(t, 180, frame.Detections[0].RangeM, 1e-9)

	assert.Equal(t, "q-sim", frame.Source)
	assert.Equal(t, 1001.0, frame.TsEpoch)
	assert.Equal(t, int64(2), frame.TsMonoNs)
}

func TestSceneBandsAndIdentity(t *testing.T) {
	s := NewScene(sceneConfig(
		contactAt("near", 50, 0, 0, "ON", "XP-1"),
		contactAt("far", 5000, 0, 0, "ON", "XP-2"),
		contactAt("silent", 0, 60, 0, "SILENT", "XP-3"),
	), "q-sim", 1)

	frame := s.Step(0.1, 1000, 1, contracts.Pose{})
	require.Len(t, frame.Detections, 3)

	near, far, silent := frame.Detections[0], frame.Detections[1], frame.Detections[2]
	assert.Equal(t, contracts.BandSR, near.Band)
	assert.True(t, near.IDPresent)
	assert.Equal(t, "XP-1", near.TransponderID)

	assert.Equal(t, contracts.BandLR, far.Band)
	assert.False(t, far.IDPresent, "identity never leaves the short-range band")
	assert.Empty(t, far.TransponderID)

	assert.Equal(t, contracts.BandSR, silent.Band)
	assert.False(t, silent.IDPresent)
}

func TestSceneDropsContactsBeyondMaxRange(t *testing.T) {
	cfg := sceneConfig(contactAt("ghost", 50000, 0, 0, "ON", "XP-1"))
	s := NewScene(cfg, "q-sim", 1)
	frame := s.Step(0.1, 1000, 1, contracts.Pose{})
	assert.Empty(t, frame.Detections)
}

func TestSceneUsesEgoPose(t *testing.T) {
	s := NewScene(sceneConfig(contactAt("c1", 200, 0, 0, "OFF", "")), "q-sim", 1)
	ego := contracts.Pose{Position: contracts.Vec3{X: 150}}
	frame := s.Step(0.1, 1000, 1, ego)
	require.Len(t, frame.Detections, 1)
	assert.InDelta(t, 50, frame.Detections[0].RangeM, 1e-9)
	assert.Equal(t, ego, frame.EgoPose)
}

func TestSceneBearingQuadrants(t *testing.T) {
	s := NewScene(sceneConfig(
		contactAt("east", 80, 0, 0, "OFF", ""),
		contactAt("north", 0, 80, 0, "OFF", ""),
		contactAt("west", -80, 0, 0, "OFF", ""),
	), "q-sim", 1)
	frame := s.Step(0.1, 1000, 1, contracts.Pose{})
	require.Len(t, frame.Detections, 3)
	assert.InDelta(t, 0, frame.Detections[0].BearingDeg, 1e-9)
	assert.InDelta(t, 90, frame.Detections[1].BearingDeg, 1e-9)
	assert.InDelta(t, 180, frame.Detections[2].BearingDeg, 1e-9)
}

func TestSceneDeterministicBySeed(t *testing.T) {
	cfg := sceneConfig(contactAt("c1", 90, 0, -1, "ON", "XP-1"))
	cfg.NoiseRangeM = 2

	run := func(seed int64) []byte {
		s := NewScene(cfg, "q-sim", seed)
		var frames []contracts.RadarFrame
		for i := 0; i < 10; i++ {
			frames = append(frames, s.Step(0.1, float64(i), int64(i), contracts.Pose{}))
		}
		data, err := json.Marshal(frames)
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, run(42), run(42))
	assert.NotEqual(t, run(42), run(7), "different seeds must not replay the same noise")
}

func TestSceneSnrFallsWithRange(t *testing.T) {
	s := NewScene(sceneConfig(
		contactAt("near", 60, 0, 0, "OFF", ""),
		contactAt("far", 6000, 0, 0, "OFF", ""),
	), "q-sim", 1)
	frame := s.Step(0.1, 1000, 1, contracts.Pose{})
	require.Len(t, frame.Detections, 2)
	assert.Greater(t, frame.Detections[0].SNR, frame.Detections[1].SNR)
	assert.GreaterOrEqual(t, frame.Detections[1].SNR, 1.0)
}
