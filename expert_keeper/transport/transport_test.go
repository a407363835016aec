package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/utils"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"gotest.tools/assert"
)

func TestTagRoundTrip(t *testing.T) {
	tag := ExpertTag(9, 3, 17, 2)
	parsed, err := ParseTag(tag.String())
	assert.NilError(t, err)
	assert.Equal(t, parsed, tag)

	for _, bad := range []string{"", "expert/1/2/3", "nope/1/2/3/4", "expert/a/2/3/4", "gather/1/2/3/-1"} {
		_, err := ParseTag(bad)
		assert.Assert(t, errs.IsProtocolViolation(err), "tag %q", bad)
	}
}

func TestCodec(t *testing.T) {
	into := make([]float32, 3)
	assert.NilError(t, decodeFloat32Into(encodeFloat32([]float32{1.5, -2, 3}), into))
	assert.DeepEqual(t, into, []float32{1.5, -2, 3})
	assert.Assert(t, errs.IsProtocolViolation(decodeFloat32Into(encodeFloat32([]float32{1}), into)))

	f64, err := decodeFloat64(encodeFloat64([]float64{0.25, 8}))
	assert.NilError(t, err)
	assert.DeepEqual(t, f64, []float64{0.25, 8})
	_, err = decodeFloat64([]byte{1, 2, 3})
	assert.Assert(t, errs.IsProtocolViolation(err))

	i32, err := decodeInt32(encodeInt32([]int32{-1, 7}))
	assert.NilError(t, err)
	assert.DeepEqual(t, i32, []int32{-1, 7})
}

// runAll calls f on every rank concurrently and returns the per rank errors.
func runAll(world int, f func(rank int) error) []error {
	output := make([]error, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			output[rank] = f(rank)
		}(r)
	}
	wg.Wait()
	return output
}

func exerciseGroup(t *testing.T, peers []Collective) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	world := len(peers)

	gathered := make([][][]float64, world)
	for _, err := range runAll(world, func(rank int) error {
		var err error
		gathered[rank], err = peers[rank].AllGather(ctx, []float64{float64(rank), float64(rank * 10)})
		return err
	}) {
		assert.NilError(t, err)
	}
	for r := 0; r < world; r++ {
		assert.Equal(t, len(gathered[r]), world)
		for src := 0; src < world; src++ {
			assert.DeepEqual(t, gathered[r][src], []float64{float64(src), float64(src * 10)})
		}
	}

	maps := make([][][]int32, world)
	for _, err := range runAll(world, func(rank int) error {
		var err error
		maps[rank], err = peers[rank].AllGatherInt32(ctx, []int32{int32(rank), -1})
		return err
	}) {
		assert.NilError(t, err)
	}
	assert.DeepEqual(t, maps[0][world-1], []int32{int32(world - 1), -1})

	for _, err := range runAll(world, func(rank int) error {
		return peers[rank].Barrier(ctx)
	}) {
		assert.NilError(t, err)
	}
	for _, err := range runAll(world, func(rank int) error {
		return WarmUp(ctx, peers[rank])
	}) {
		assert.NilError(t, err)
	}

	// ring: every rank sends two kinds of one expert to its successor
	received := make([][]float32, world)
	for _, err := range runAll(world, func(rank int) error {
		next, prev := (rank+1)%world, (rank+world-1)%world
		payload := []float32{float32(rank), float32(rank) + 0.5}
		var reqs []Request
		reqs = append(reqs, peers[rank].ISend(ctx, next, ExpertTag(1, 0, rank, 0), payload))
		payload[0] = -1
		received[rank] = make([]float32, 2)
		reqs = append(reqs, peers[rank].IRecv(ctx, prev, ExpertTag(1, 0, prev, 0), received[rank]))
		return WaitAll(ctx, reqs)
	}) {
		assert.NilError(t, err)
	}
	for r := 0; r < world; r++ {
		prev := (r + world - 1) % world
		assert.DeepEqual(t, received[r], []float32{float32(prev), float32(prev) + 0.5})
	}
}

func TestLocalGroup(t *testing.T) {
	defer goleak.VerifyNone(t)
	group := NewLocalGroup(4)
	var peers []Collective
	for r := 0; r < group.WorldSize(); r++ {
		peers = append(peers, group.Peer(r))
	}
	exerciseGroup(t, peers)
	for r := 0; r < group.WorldSize(); r++ {
		assert.Equal(t, group.Peer(r).Pending(), 0)
	}
}

func TestLocalGroupErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	group := NewLocalGroup(2)
	ctx := context.Background()
	p0, p1 := group.Peer(0), group.Peer(1)

	assert.Assert(t, errs.IsConfiguration(p0.ISend(ctx, 5, ExpertTag(1, 0, 0, 0), nil).Wait(ctx)))
	assert.Assert(t, errs.IsConfiguration(p0.IRecv(ctx, -1, ExpertTag(1, 0, 0, 0), nil).Wait(ctx)))

	assert.NilError(t, p0.ISend(ctx, 1, ExpertTag(1, 0, 1, 0), []float32{1, 2, 3}).Wait(ctx))
	err := p1.IRecv(ctx, 0, ExpertTag(1, 0, 1, 0), make([]float32, 2)).Wait(ctx)
	assert.Assert(t, errs.IsProtocolViolation(err))

	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = p1.IRecv(ctx, 0, ExpertTag(1, 1, 1, 0), make([]float32, 1)).Wait(timeout)
	assert.Equal(t, err, context.DeadlineExceeded)

	// a message of an older plan does not satisfy a newer plan's receive
	assert.NilError(t, p0.ISend(ctx, 1, ExpertTag(1, 0, 1, 0), []float32{4}).Wait(ctx))
	stale, cancelStale := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelStale()
	err = p1.IRecv(ctx, 0, ExpertTag(2, 0, 1, 0), make([]float32, 1)).Wait(stale)
	assert.Equal(t, err, context.DeadlineExceeded)
	assert.Equal(t, p1.Pending(), 1)

	// the newer plan's message evicts it
	assert.NilError(t, p0.ISend(ctx, 1, ExpertTag(2, 0, 1, 0), []float32{5}).Wait(ctx))
	assert.Equal(t, p1.Pending(), 1)
	into := make([]float32, 1)
	assert.NilError(t, p1.IRecv(ctx, 0, ExpertTag(2, 0, 1, 0), into).Wait(ctx))
	assert.DeepEqual(t, into, []float32{5})
	assert.Equal(t, p1.Pending(), 0)
}

func startGrpcGroup(t *testing.T, world int) []*GrpcPeer {
	var listeners []net.Listener
	var nodes []*utils.RpcNode
	for r := 0; r < world; r++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		assert.NilError(t, err)
		listeners = append(listeners, lis)
		nodes = append(nodes, utils.FromHostPort(lis.Addr().String()))
	}
	var peers []*GrpcPeer
	for r := 0; r < world; r++ {
		peer, err := NewGrpcPeer(r, nodes, listeners[r])
		assert.NilError(t, err)
		peer.Start()
		peers = append(peers, peer)
	}
	return peers
}

func TestGrpcGroup(t *testing.T) {
	peers := startGrpcGroup(t, 3)
	defer func() {
		for _, p := range peers {
			p.Stop(time.Second)
		}
	}()
	var collectives []Collective
	for _, p := range peers {
		collectives = append(collectives, p)
	}
	exerciseGroup(t, collectives)
}

func TestGrpcRejectsBadPush(t *testing.T) {
	peers := startGrpcGroup(t, 2)
	defer func() {
		for _, p := range peers {
			p.Stop(time.Second)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := peers[0].pool.Run(peers[0].nodes[1], func(conn *grpc.ClientConn) error {
		callCtx := metadata.AppendToOutgoingContext(ctx, kSrcKey, "0", kTagKey, "bogus")
		return conn.Invoke(callCtx, kPushMethod, wrapperspb.Bytes(nil), new(emptypb.Empty))
	})
	assert.Assert(t, errs.IsProtocolViolation(classifyPushError(1, Tag{}, err)))

	err = peers[0].pool.Run(peers[0].nodes[1], func(conn *grpc.ClientConn) error {
		callCtx := metadata.AppendToOutgoingContext(ctx, kSrcKey, "7", kTagKey, ExpertTag(1, 0, 0, 0).String())
		return conn.Invoke(callCtx, kPushMethod, wrapperspb.Bytes(nil), new(emptypb.Empty))
	})
	assert.ErrorContains(t, classifyPushError(1, Tag{}, err), "BAD_SOURCE")
}

func TestNewGrpcPeerValidates(t *testing.T) {
	_, err := NewGrpcPeer(2, []*utils.RpcNode{utils.FromHostPort("127.0.0.1:1")}, nil)
	assert.Assert(t, errs.IsConfiguration(err))
}
