package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/qiki/dtmp/internal/contracts"
)

// ServiceName is the fully qualified name of the SimControl service.
const ServiceName = "qiki.v1.SimControl"

// HealthCheckRequest asks the engine for liveness.
type HealthCheckRequest struct{}

// HealthCheckResponse reports liveness. Status is "ok" or "safe_mode";
// Tick carries the world tick counter so probes can tell a hung loop from
// a paused world.
type HealthCheckResponse struct {
	Status    string                 `json:"status"`
	Tick      int64                  `json:"tick"`
	SafeMode  bool                   `json:"safe_mode"`
	CheckedAt *timestamppb.Timestamp `json:"checked_at,omitempty"`
}

// GetSensorDataRequest asks for the newest telemetry snapshot.
type GetSensorDataRequest struct{}

// SensorReading is the RPC mirror of one telemetry snapshot.
type SensorReading struct {
	contracts.TelemetrySnapshot
	CapturedAt *timestamppb.Timestamp `json:"captured_at,omitempty"`
}

// ActuatorCommand is the RPC mirror of one control command. Name follows
// the bus command vocabulary (sim.start, sim.rcs.yaw, sim.dock.engage and
// so on); Source tags the audit record and defaults server-side when empty.
type ActuatorCommand struct {
	Name       string         `json:"name"`
	Source     string         `json:"source,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ActuatorAck reports the dispatch outcome. A refused command is still a
// successful RPC; only transport problems surface as RPC errors.
type ActuatorAck struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Code   int            `json:"code"`
	Result map[string]any `json:"result,omitempty"`
}

// GetRadarFrameRequest asks for the newest radar frame.
type GetRadarFrameRequest struct{}

// RadarFrameReply carries the radar frame published on the last tick.
type RadarFrameReply struct {
	contracts.RadarFrame
	CapturedAt *timestamppb.Timestamp `json:"captured_at,omitempty"`
}

// SimControlClient is the client API for the SimControl service.
type SimControlClient interface {
	HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error)
	GetSensorData(ctx context.Context, in *GetSensorDataRequest, opts ...grpc.CallOption) (*SensorReading, error)
	SendActuatorCommand(ctx context.Context, in *ActuatorCommand, opts ...grpc.CallOption) (*ActuatorAck, error)
	GetRadarFrame(ctx context.Context, in *GetRadarFrameRequest, opts ...grpc.CallOption) (*RadarFrameReply, error)
}

type simControlClient struct {
	cc grpc.ClientConnInterface
}

// NewSimControlClient wraps cc. Calls are pinned to the JSON codec, so the
// dial options need no content-subtype override.
func NewSimControlClient(cc grpc.ClientConnInterface) SimControlClient {
	return &simControlClient{cc: cc}
}

func (c *simControlClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *simControlClient) HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	out := new(HealthCheckResponse)
	if err := c.invoke(ctx, "/qiki.v1.SimControl/HealthCheck", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *simControlClient) GetSensorData(ctx context.Context, in *GetSensorDataRequest, opts ...grpc.CallOption) (*SensorReading, error) {
	out := new(SensorReading)
	if err := c.invoke(ctx, "/qiki.v1.SimControl/GetSensorData", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *simControlClient) SendActuatorCommand(ctx context.Context, in *ActuatorCommand, opts ...grpc.CallOption) (*ActuatorAck, error) {
	out := new(ActuatorAck)
	if err := c.invoke(ctx, "/qiki.v1.SimControl/SendActuatorCommand", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *simControlClient) GetRadarFrame(ctx context.Context, in *GetRadarFrameRequest, opts ...grpc.CallOption) (*RadarFrameReply, error) {
	out := new(RadarFrameReply)
	if err := c.invoke(ctx, "/qiki.v1.SimControl/GetRadarFrame", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// SimControlServer is the server API for the SimControl service.
type SimControlServer interface {
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
	GetSensorData(context.Context, *GetSensorDataRequest) (*SensorReading, error)
	SendActuatorCommand(context.Context, *ActuatorCommand) (*ActuatorAck, error)
	GetRadarFrame(context.Context, *GetRadarFrameRequest) (*RadarFrameReply, error)
}

// UnimplementedSimControlServer gives embedders forward-compatible
// defaults for methods they do not serve.
type UnimplementedSimControlServer struct{}

func (UnimplementedSimControlServer) HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}

func (UnimplementedSimControlServer) GetSensorData(context.Context, *GetSensorDataRequest) (*SensorReading, error) {
	return nil, status.Error(codes.Unimplemented, "method GetSensorData not implemented")
}

func (UnimplementedSimControlServer) SendActuatorCommand(context.Context, *ActuatorCommand) (*ActuatorAck, error) {
	return nil, status.Error(codes.Unimplemented, "method SendActuatorCommand not implemented")
}

func (UnimplementedSimControlServer) GetRadarFrame(context.Context, *GetRadarFrameRequest) (*RadarFrameReply, error) {
	return nil, status.Error(codes.Unimplemented, "method GetRadarFrame not implemented")
}

// RegisterSimControlServer registers srv under ServiceName.
func RegisterSimControlServer(s grpc.ServiceRegistrar, srv SimControlServer) {
	s.RegisterService(&SimControl_ServiceDesc, srv)
}

func _SimControl_HealthCheck_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimControlServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qiki.v1.SimControl/HealthCheck"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SimControlServer).HealthCheck(ctx, req.(*HealthCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _SimControl_GetSensorData_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetSensorDataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimControlServer).GetSensorData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qiki.v1.SimControl/GetSensorData"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SimControlServer).GetSensorData(ctx, req.(*GetSensorDataRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _SimControl_SendActuatorCommand_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ActuatorCommand)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimControlServer).SendActuatorCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qiki.v1.SimControl/SendActuatorCommand"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SimControlServer).SendActuatorCommand(ctx, req.(*ActuatorCommand))
	}
	return interceptor(ctx, in, info, handler)
}

func _SimControl_GetRadarFrame_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRadarFrameRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimControlServer).GetRadarFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qiki.v1.SimControl/GetRadarFrame"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SimControlServer).GetRadarFrame(ctx, req.(*GetRadarFrameRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// SimControl_ServiceDesc is the grpc.ServiceDesc for the SimControl
// service. It is written by hand; there is no generated code behind it.
var SimControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HealthCheck", Handler: _SimControl_HealthCheck_Handler},
		{MethodName: "GetSensorData", Handler: _SimControl_GetSensorData_Handler},
		{MethodName: "SendActuatorCommand", Handler: _SimControl_SendActuatorCommand_Handler},
		{MethodName: "GetRadarFrame", Handler: _SimControl_GetRadarFrame_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pb/simcontrol.go",
}
