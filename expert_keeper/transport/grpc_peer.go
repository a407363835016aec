package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/utils"
	"github.com/pkg/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	kTransferService = "expert_keeper.Transfer"
	kPushMethod      = "/expert_keeper.Transfer/Push"
	kSrcKey          = "x-expert-keeper-src"
	kTagKey          = "x-expert-keeper-tag"
	kErrorDomain     = "expert_keeper"
	kMaxMessageSize  = 256 << 20
)

type transferServer interface {
	Push(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func pushHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transferServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: kPushMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transferServer).Push(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var transferServiceDesc = grpc.ServiceDesc{
	ServiceName: kTransferService,
	HandlerType: (*transferServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Push",
			Handler:    pushHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "expert_keeper/transfer.proto",
}

// GrpcPeer is one rank of a group whose ranks talk over grpc. Every message
// is a unary Push carrying the payload bytes; the sender rank and the tag
// travel in the request metadata.
type GrpcPeer struct {
	endpoint
	nodes   []*utils.RpcNode
	pool    *ConnPool
	server  *grpc.Server
	lis     net.Listener
	started bool
	served  chan struct{}
}

// NewGrpcPeer serves rank's mailbox on lis. nodes lists the address of every
// rank, including this one.
func NewGrpcPeer(rank int, nodes []*utils.RpcNode, lis net.Listener) (*GrpcPeer, error) {
	if rank < 0 || rank >= len(nodes) {
		return nil, errs.Configurationf("rank %d outside %d peers", rank, len(nodes))
	}
	output := &GrpcPeer{
		nodes:  nodes,
		pool:   NewConnPool(grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(kMaxMessageSize))),
		lis:    lis,
		served: make(chan struct{}),
	}
	output.endpoint = endpoint{
		rank:  rank,
		world: len(nodes),
		box:   newMailbox(),
		push:  output.send,
		async: true,
	}
	output.server = grpc.NewServer(grpc.MaxRecvMsgSize(kMaxMessageSize))
	output.server.RegisterService(&transferServiceDesc, output)
	return output, nil
}

func (p *GrpcPeer) Start() {
	p.started = true
	go func() {
		defer close(p.served)
		logging.Info("[transport rank %d] serve grpc on %s", p.rank, p.lis.Addr().String())
		if err := p.server.Serve(p.lis); err != nil {
			logging.Warning("[transport rank %d] grpc serve stopped: %v", p.rank, err)
		}
	}()
}

// Stop waits up to timeout for inflight pushes and closes every connection.
func (p *GrpcPeer) Stop(timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		p.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		p.server.Stop()
		<-stopped
	}
	if p.started {
		<-p.served
	}
	p.pool.Close()
}

func rejection(code codes.Code, reason string, format string, args ...interface{}) error {
	st := status.Newf(code, format, args...)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: reason,
		Domain: kErrorDomain,
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

func (p *GrpcPeer) Push(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, rejection(codes.InvalidArgument, "MISSING_METADATA", "push without metadata")
	}
	srcs, tags := md.Get(kSrcKey), md.Get(kTagKey)
	if len(srcs) != 1 || len(tags) != 1 {
		return nil, rejection(codes.InvalidArgument, "MISSING_METADATA", "push needs exactly one src and tag")
	}
	src, err := strconv.Atoi(srcs[0])
	if err != nil || p.checkPeer(src) != nil {
		return nil, rejection(codes.InvalidArgument, "BAD_SOURCE", "bad source rank %q", srcs[0])
	}
	tag, err := ParseTag(tags[0])
	if err != nil {
		return nil, rejection(codes.InvalidArgument, "BAD_TAG", "%v", err)
	}
	p.box.deliver(src, tag, in.GetValue())
	return &emptypb.Empty{}, nil
}

func (p *GrpcPeer) send(ctx context.Context, dst int, tag Tag, payload []byte) error {
	if dst == p.rank {
		p.box.deliver(p.rank, tag, payload)
		return nil
	}
	err := p.pool.Run(p.nodes[dst], func(conn *grpc.ClientConn) error {
		callCtx := metadata.AppendToOutgoingContext(
			ctx,
			kSrcKey, strconv.Itoa(p.rank),
			kTagKey, tag.String(),
		)
		return conn.Invoke(callCtx, kPushMethod, wrapperspb.Bytes(payload), new(emptypb.Empty))
	})
	return classifyPushError(dst, tag, err)
}

func classifyPushError(dst int, tag Tag, err error) error {
	if err == nil {
		return nil
	}
	for _, detail := range status.Convert(err).Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == kErrorDomain {
			return errs.ProtocolViolationf("rank %d rejected %s: %s %s", dst, tag, info.GetReason(), status.Convert(err).Message())
		}
	}
	return errors.Wrapf(err, "push %s to rank %d", tag, dst)
}

func shouldReconnect(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Unknown:
		return true
	default:
		return false
	}
}
