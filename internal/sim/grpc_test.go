package sim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/pb"
)

// startControlServer serves the RPC surface for one engine on a loopback
// listener and returns a connected client.
func startControlServer(t *testing.T, engine *Engine) pb.SimControlClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	pb.RegisterSimControlServer(srv, NewControlServer(quietLog(), engine))
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
	})
	return pb.NewSimControlClient(conn)
}

func TestControlHealthCheckTracksTicks(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	engine, world := startEngine(t, b, engineConfig(), nil)
	client := startControlServer(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc, err := client.HealthCheck(ctx, &pb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", hc.Status)
	assert.False(t, hc.SafeMode)
	require.NotNil(t, hc.CheckedAt)

	require.NoError(t, world.Start(1))
	require.Eventually(t, func() bool {
		hc, err := client.HealthCheck(ctx, &pb.HealthCheckRequest{})
		return err == nil && hc.Tick > 0
	}, 3*time.Second, 20*time.Millisecond, "tick counter should advance once the world runs")
}

func TestControlSensorDataBeforeFirstTick(t *testing.T) {
	// No Run loop at all: the probe falls back to a live snapshot.
	b := bus.NewMemory(nil)
	defer b.Close()
	cfg := engineConfig()
	world := NewWorld(cfg, "sha256:test")
	engine := NewEngine(quietLog(), b, world, nil, cfg, nil)
	client := startControlServer(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reading, err := client.GetSensorData(ctx, &pb.GetSensorDataRequest{})
	require.NoError(t, err)
	assert.Equal(t, cfg.Sim.Source, reading.Source)
	assert.NotZero(t, reading.TsEpoch)
	require.NotNil(t, reading.BatteryPct)
	assert.Greater(t, *reading.BatteryPct, 0.0)
	assert.Equal(t, "sha256:test", reading.HardwareProfileHash)
	require.NotNil(t, reading.CapturedAt)
}

func TestControlSensorDataFollowsTicks(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	engine, world := startEngine(t, b, engineConfig(), nil)
	client := startControlServer(t, engine)
	require.NoError(t, world.Start(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var first float64
	require.Eventually(t, func() bool {
		reading, err := client.GetSensorData(ctx, &pb.GetSensorDataRequest{})
		if err != nil || reading.TsMonoNs == 0 {
			return false
		}
		first = reading.TsEpoch
		return true
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		reading, err := client.GetSensorData(ctx, &pb.GetSensorDataRequest{})
		return err == nil && reading.TsEpoch > first
	}, 3*time.Second, 20*time.Millisecond, "later probes should see newer snapshots")
}

func TestControlActuatorCommandDrivesWorld(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	engine, world := startEngine(t, b, engineConfig(), nil)
	client := startControlServer(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := client.SendActuatorCommand(ctx, &pb.ActuatorCommand{
		Name:       "sim.start",
		Parameters: map[string]any{"speed": 2.0},
	})
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.True(t, world.Running())

	ack, err = client.SendActuatorCommand(ctx, &pb.ActuatorCommand{Name: "sim.warp_drive"})
	require.NoError(t, err)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, ErrKindUnknownCommand)

	_, err = client.SendActuatorCommand(ctx, &pb.ActuatorCommand{})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestControlSafeModeRefusesActuation(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	engine, world := startEngine(t, b, engineConfig(), nil)
	client := startControlServer(t, engine)
	require.NoError(t, world.Start(1))

	engine.safeMode.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc, err := client.HealthCheck(ctx, &pb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, "safe_mode", hc.Status)
	assert.True(t, hc.SafeMode)

	ack, err := client.SendActuatorCommand(ctx, &pb.ActuatorCommand{Name: "sim.stop"})
	require.NoError(t, err)
	assert.False(t, ack.OK)
	assert.Equal(t, ErrKindSafeMode, ack.Error)
	assert.True(t, world.Running(), "SAFE mode must refuse side effects on the RPC path too")
}

func TestControlRadarFrameProbe(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	engine, world := startEngine(t, b, engineConfig(), stubFrames{})
	client := startControlServer(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.GetRadarFrame(ctx, &pb.GetRadarFrameRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))

	require.NoError(t, world.Start(1))
	require.Eventually(t, func() bool {
		frame, err := client.GetRadarFrame(ctx, &pb.GetRadarFrameRequest{})
		if err != nil {
			return false
		}
		return len(frame.Detections) == 2 && frame.Detections[0].IDPresent
	}, 3*time.Second, 20*time.Millisecond, "frame probe should serve the last published frame")
}
