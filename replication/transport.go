package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nssync/compressors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The replication service carries one unary method whose request and response
// are the protobuf well-known wrappers, so the descriptor is declared here
// instead of generated from a .proto file.
const (
	ServiceName     = "nssync.replication.MasterSlave"
	AppendLogMethod = "/" + ServiceName + "/AppendLog"
)

// MasterSlaveServer is the follower side of the replication RPC.
type MasterSlaveServer interface {
	AppendLog(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
}

func appendLogHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MasterSlaveServer).AppendLog(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: AppendLogMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MasterSlaveServer).AppendLog(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// MasterSlaveServiceDesc describes the replication service for grpc.Server.
var MasterSlaveServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MasterSlaveServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AppendLog",
			Handler:    appendLogHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nssync/replication/master_slave.proto",
}

// RegisterMasterSlaveServer registers srv on s.
func RegisterMasterSlaveServer(s grpc.ServiceRegistrar, srv MasterSlaveServer) {
	s.RegisterService(&MasterSlaveServiceDesc, srv)
}

// Peer is the leader's handle on its follower. AppendLog reports whether the
// follower accepted the record; any error or false is a failed attempt.
type Peer interface {
	AppendLog(ctx context.Context, payload []byte) (bool, error)
	Close() error
}

// GRPCPeer is a Peer backed by a gRPC client connection.
type GRPCPeer struct {
	conn   *grpc.ClientConn
	target string
	logger *slog.Logger
}

// DialPeer creates a client for the follower at addr. The connection is
// established lazily, so an unreachable follower is not an error here.
// Without dial options the channel uses insecure credentials.
func DialPeer(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCPeer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for follower at %s: %w", addr, err)
	}
	return NewGRPCPeer(conn, logger), nil
}

// PeerDialOptions returns insecure transport credentials plus, unless
// compression is "none", a default call option compressing every AppendLog
// request with the named registered compressor.
func PeerDialOptions(compression string) ([]grpc.DialOption, error) {
	name, err := compressors.Normalize(compression)
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if name != compressors.None {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(name)))
	}
	return opts, nil
}

// NewGRPCPeer wraps an existing connection. Close closes conn.
func NewGRPCPeer(conn *grpc.ClientConn, logger *slog.Logger) *GRPCPeer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &GRPCPeer{
		conn:   conn,
		target: conn.Target(),
		logger: logger.With("component", "ReplicationPeer", "target", conn.Target()),
	}
}

func (p *GRPCPeer) AppendLog(ctx context.Context, payload []byte) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := p.conn.Invoke(ctx, AppendLogMethod, wrapperspb.Bytes(payload), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (p *GRPCPeer) Close() error {
	if p.conn == nil {
		return nil
	}
	p.logger.Debug("Closing follower connection")
	return p.conn.Close()
}
