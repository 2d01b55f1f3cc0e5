package sim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func engineConfig() *config.Config {
	cfg := config.Default()
	cfg.Sim.TickMs = 10
	cfg.Sim.SafeModeAfter = 2
	return cfg
}

func startEngine(t *testing.T, b bus.Bus, cfg *config.Config, frames FrameSource) (*Engine, *World) {
	t.Helper()
	require.NoError(t, bus.EnsureCanonicalStreams(context.Background(), b))
	world := NewWorld(cfg, "sha256:test")
	engine := NewEngine(quietLog(), b, world, frames, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return engine, world
}

func pullEvents(t *testing.T, b bus.Bus, durable, filter string) []contracts.EventEnvelope {
	t.Helper()
	consumer, err := b.PullConsumer(context.Background(), bus.ConsumerConfig{
		Stream:        contracts.StreamEvents,
		Durable:       durable,
		FilterSubject: filter,
		AckWait:       time.Second,
		MaxAckPending: 256,
	})
	require.NoError(t, err)
	defer consumer.Close()

	var events []contracts.EventEnvelope
	msgs, err := consumer.Fetch(context.Background(), 64)
	require.NoError(t, err)
	for _, m := range msgs {
		var env contracts.EventEnvelope
		require.NoError(t, json.Unmarshal(m.Data, &env))
		events = append(events, env)
		require.NoError(t, m.Ack(context.Background()))
	}
	return events
}

// ===== TELEMETRY =====

func TestEnginePublishesTelemetryInTickOrder(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()

	var mu sync.Mutex
	var snaps []contracts.TelemetrySnapshot
	unsub, err := b.Subscribe(contracts.SubjectTelemetry, func(m *bus.Msg) {
		var snap contracts.TelemetrySnapshot
		if json.Unmarshal(m.Data, &snap) == nil {
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer unsub()

	_, world := startEngine(t, b, engineConfig(), nil)
	require.NoError(t, world.Start(1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(snaps); i++ {
		assert.Greater(t, snaps[i].TsMonoNs, snaps[i-1].TsMonoNs)
	}
	assert.Equal(t, "sha256:test", snaps[0].HardwareProfileHash)
}

// ===== COMMANDS =====

func TestEngineCommandRoundTrip(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	startEngine(t, b, engineConfig(), nil)

	requester, err := bus.NewRequester(b, "q-console")
	require.NoError(t, err)
	defer requester.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := requester.Send(ctx, contracts.NewCommand("sim.start", "q-console", "q-sim", map[string]any{"speed": 2.0}))
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 2.0, resp.Result["speed"])

	resp, err = requester.Send(ctx, contracts.NewCommand("sim.rcs.yaw", "q-console", "q-sim", map[string]any{"duty": 9.0, "duration_s": 1.0}))
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, ErrKindInvalidParams)

	resp, err = requester.Send(ctx, contracts.NewCommand("sim.hyperdrive", "q-console", "q-sim", nil))
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, ErrKindUnknownCommand)

	// Every command left an audit trail. The durable cursor advances per
	// fetch, so the count accumulates across polls.
	commands := 0
	require.Eventually(t, func() bool {
		for _, e := range pullEvents(t, b, "audit_probe", contracts.SubjectAudit) {
			if e.Kind == "command" {
				commands++
			}
		}
		return commands >= 3
	}, 2*time.Second, 50*time.Millisecond)
}

// ===== SAFE MODE =====

type flakyBus struct {
	bus.Bus
	mu   sync.Mutex
	down bool
}

func (f *flakyBus) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyBus) Publish(ctx context.Context, subject string, data []byte) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down && subject == contracts.SubjectTelemetry {
		return errors.New("backplane unreachable")
	}
	return f.Bus.Publish(ctx, subject, data)
}

func TestEngineEntersAndLeavesSafeMode(t *testing.T) {
	inner := bus.NewMemory(nil)
	defer inner.Close()
	flaky := &flakyBus{Bus: inner}
	flaky.setDown(true)

	engine, world := startEngine(t, flaky, engineConfig(), nil)
	require.NoError(t, world.Start(1))

	require.Eventually(t, engine.SafeMode, 3*time.Second, 10*time.Millisecond,
		"engine should trip into SAFE mode after consecutive publish failures")

	requester, err := bus.NewRequester(flaky, "q-console")
	require.NoError(t, err)
	defer requester.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := requester.Send(ctx, contracts.NewCommand("sim.stop", "q-console", "q-sim", nil))
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrKindSafeMode, resp.Error)
	assert.True(t, world.Running(), "SAFE mode must refuse command side effects")

	flaky.setDown(false)
	require.Eventually(t, func() bool { return !engine.SafeMode() }, 3*time.Second, 10*time.Millisecond,
		"engine should leave SAFE mode once publishes recover")

	resp, err = requester.Send(ctx, contracts.NewCommand("sim.stop", "q-console", "q-sim", nil))
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

// ===== RADAR FRAMES =====

type stubFrames struct{}

func (stubFrames) Step(dt, tsEpoch float64, tsMonoNs int64, ego contracts.Pose) contracts.RadarFrame {
	return contracts.RadarFrame{
		Source:   "q-sim",
		TsEpoch:  tsEpoch,
		TsMonoNs: tsMonoNs,
		EgoPose:  ego,
		Detections: []contracts.Detection{
			{BearingDeg: 10, RangeM: 50, SNR: 22, Band: contracts.BandSR, TransponderID: "QK-77", IDPresent: true},
			{BearingDeg: 200, RangeM: 5000, SNR: 9, Band: contracts.BandLR},
		},
	}
}

func TestEngineRoutesFramesByBand(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	_, world := startEngine(t, b, engineConfig(), stubFrames{})
	require.NoError(t, world.Start(1))

	fetchFrames := func(durable, filter string) []contracts.RadarFrame {
		consumer, err := b.PullConsumer(context.Background(), bus.ConsumerConfig{
			Stream:        contracts.StreamRadar,
			Durable:       durable,
			FilterSubject: filter,
			AckWait:       time.Second,
			MaxAckPending: 256,
		})
		require.NoError(t, err)
		defer consumer.Close()
		msgs, err := consumer.Fetch(context.Background(), 16)
		require.NoError(t, err)
		var frames []contracts.RadarFrame
		for _, m := range msgs {
			var f contracts.RadarFrame
			require.NoError(t, json.Unmarshal(m.Data, &f))
			frames = append(frames, f)
			require.NoError(t, m.Ack(context.Background()))
		}
		return frames
	}

	require.Eventually(t, func() bool {
		return len(fetchFrames("frames_probe", contracts.SubjectRadarFrames)) > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		lr := fetchFrames("lr_probe", contracts.SubjectRadarFramesLR)
		if len(lr) == 0 {
			return false
		}
		f := lr[0]
		assert.Equal(t, contracts.BandLR, f.Band)
		require.Len(t, f.Detections, 1)
		assert.Equal(t, contracts.BandLR, f.Detections[0].Band)
		assert.False(t, f.Detections[0].IDPresent)
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

// ===== FAILURE CONTAINMENT =====

type panicOnceFrames struct {
	mu   sync.Mutex
	done bool
}

func (p *panicOnceFrames) Step(dt, tsEpoch float64, tsMonoNs int64, ego contracts.Pose) contracts.RadarFrame {
	p.mu.Lock()
	first := !p.done
	p.done = true
	p.mu.Unlock()
	if first {
		panic("frame generator corrupted")
	}
	return contracts.RadarFrame{Source: "q-sim", TsEpoch: tsEpoch, TsMonoNs: tsMonoNs, EgoPose: ego}
}

func TestEngineDropsTickOnPanicAndContinues(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	engine, world := startEngine(t, b, engineConfig(), &panicOnceFrames{})
	require.NoError(t, world.Start(1))

	require.Eventually(t, func() bool {
		for _, e := range pullEvents(t, b, "drop_probe", contracts.SubjectAudit) {
			if e.Kind == "tick_dropped" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	// The loop survived: ticks keep completing, no SAFE mode.
	tick := world.Tick()
	require.Eventually(t, func() bool { return world.Tick() > tick }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, engine.SafeMode())
}

// ===== EDGE PERSISTENCE =====

func TestEnginePersistsEdgeEvents(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	_, world := startEngine(t, b, engineConfig(), nil)
	world.Power().SetSoc(10)
	require.NoError(t, world.Start(1))

	require.Eventually(t, func() bool {
		events := pullEvents(t, b, "soc_probe", contracts.EdgeSubject(contracts.KindSocEdge))
		if len(events) == 0 {
			return false
		}
		e := events[0]
		assert.Equal(t, contracts.KindSocEdge, e.Kind)
		assert.Equal(t, contracts.CodeSocLow, e.Code)
		assert.Equal(t, true, e.Payload["low"])
		return true
	}, 2*time.Second, 20*time.Millisecond)
}
