package sim

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/qiki/dtmp/internal/contracts"
	"github.com/qiki/dtmp/pb"
)

// rpcSource tags envelopes dispatched through the RPC surface so audit
// records name the entry path.
const rpcSource = "q-rpc"

// ControlServer answers the SimControl point probes. The bus stays the
// primary command path; the RPC surface exists for health checks and
// low-rate reads without a bus round trip, plus a direct actuator line for
// bench rigs.
type ControlServer struct {
	pb.UnimplementedSimControlServer

	log    *slog.Logger
	engine *Engine
}

func NewControlServer(log *slog.Logger, engine *Engine) *ControlServer {
	if log == nil {
		log = slog.Default()
	}
	return &ControlServer{log: log, engine: engine}
}

// HealthCheck reports liveness and the current tick counter.
func (s *ControlServer) HealthCheck(ctx context.Context, _ *pb.HealthCheckRequest) (*pb.HealthCheckResponse, error) {
	safe := s.engine.SafeMode()
	st := "ok"
	if safe {
		st = "safe_mode"
	}
	return &pb.HealthCheckResponse{
		Status:    st,
		Tick:      s.engine.world.Tick(),
		SafeMode:  safe,
		CheckedAt: timestamppb.Now(),
	}, nil
}

// GetSensorData returns the newest telemetry snapshot.
func (s *ControlServer) GetSensorData(ctx context.Context, _ *pb.GetSensorDataRequest) (*pb.SensorReading, error) {
	return &pb.SensorReading{
		TelemetrySnapshot: s.engine.CurrentSnapshot(),
		CapturedAt:        timestamppb.Now(),
	}, nil
}

// SendActuatorCommand dispatches one control command through the same gate
// as the bus path, SAFE mode included. A refused command comes back as an
// ack with OK false, not as an RPC error.
func (s *ControlServer) SendActuatorCommand(ctx context.Context, in *pb.ActuatorCommand) (*pb.ActuatorAck, error) {
	if in == nil || strings.TrimSpace(in.Name) == "" {
		return nil, status.Error(codes.InvalidArgument, "command name required")
	}
	source := in.Source
	if source == "" {
		source = rpcSource
	}
	cmd := contracts.NewCommand(in.Name, source, "", in.Parameters)
	res := s.engine.Execute(ctx, *cmd)

	errStr := res.Error
	if res.Detail != "" {
		errStr = res.Error + ": " + res.Detail
	}
	if !res.OK {
		s.log.Warn("[SimControl] command refused", "command", in.Name, "error", errStr)
	}
	return &pb.ActuatorAck{OK: res.OK, Error: errStr, Code: res.Code, Result: res.Result}, nil
}

// GetRadarFrame returns the radar frame published on the last tick.
func (s *ControlServer) GetRadarFrame(ctx context.Context, _ *pb.GetRadarFrameRequest) (*pb.RadarFrameReply, error) {
	frame, ok := s.engine.LastFrame()
	if !ok {
		return nil, status.Error(codes.NotFound, "no radar frame published yet")
	}
	return &pb.RadarFrameReply{RadarFrame: frame, CapturedAt: timestamppb.Now()}, nil
}
