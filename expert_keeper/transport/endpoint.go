package transport

import (
	"context"
	"sync/atomic"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"golang.org/x/sync/errgroup"
)

type pushFunc func(ctx context.Context, dst int, tag Tag, payload []byte) error

// endpoint builds the collectives out of point to point pushes into the peers'
// mailboxes. It's shared by every Collective implementation of this package.
type endpoint struct {
	rank  int
	world int
	box   *mailbox
	seq   uint64
	push  pushFunc
	async bool
}

func (e *endpoint) Rank() int {
	return e.rank
}

func (e *endpoint) WorldSize() int {
	return e.world
}

func (e *endpoint) checkPeer(peer int) error {
	if peer < 0 || peer >= e.world {
		return errs.Configurationf("rank %d outside world of %d", peer, e.world)
	}
	return nil
}

func (e *endpoint) ISend(ctx context.Context, dst int, tag Tag, payload []float32) Request {
	if err := e.checkPeer(dst); err != nil {
		return doneRequest{err}
	}
	data := encodeFloat32(payload)
	if !e.async {
		return doneRequest{e.push(ctx, dst, tag, data)}
	}
	return startRequest(func() error {
		return e.push(ctx, dst, tag, data)
	})
}

func (e *endpoint) IRecv(ctx context.Context, src int, tag Tag, into []float32) Request {
	if err := e.checkPeer(src); err != nil {
		return doneRequest{err}
	}
	return &recvRequest{box: e.box, src: src, tag: tag, into: into}
}

func (e *endpoint) allGatherBytes(ctx context.Context, op Op, payload []byte) ([][]byte, error) {
	tag := Tag{Op: op, Seq: atomic.AddUint64(&e.seq, 1)}
	g, gctx := errgroup.WithContext(ctx)
	for dst := 0; dst < e.world; dst++ {
		if dst == e.rank {
			continue
		}
		peer := dst
		g.Go(func() error {
			return e.push(gctx, peer, tag, payload)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	output := make([][]byte, e.world)
	output[e.rank] = payload
	for src := 0; src < e.world; src++ {
		if src == e.rank {
			continue
		}
		data, err := e.box.receive(ctx, src, tag)
		if err != nil {
			return nil, err
		}
		output[src] = data
	}
	return output, nil
}

func (e *endpoint) AllGather(ctx context.Context, local []float64) ([][]float64, error) {
	gathered, err := e.allGatherBytes(ctx, OpGather, encodeFloat64(local))
	if err != nil {
		return nil, err
	}
	output := make([][]float64, len(gathered))
	for r, data := range gathered {
		if output[r], err = decodeFloat64(data); err != nil {
			return nil, err
		}
	}
	return output, nil
}

func (e *endpoint) AllGatherInt32(ctx context.Context, local []int32) ([][]int32, error) {
	gathered, err := e.allGatherBytes(ctx, OpGather, encodeInt32(local))
	if err != nil {
		return nil, err
	}
	output := make([][]int32, len(gathered))
	for r, data := range gathered {
		if output[r], err = decodeInt32(data); err != nil {
			return nil, err
		}
	}
	return output, nil
}

func (e *endpoint) Barrier(ctx context.Context) error {
	_, err := e.allGatherBytes(ctx, OpBarrier, nil)
	return err
}

// WarmUp exchanges one element with every other rank so the links are
// established before the first real transfer.
func WarmUp(ctx context.Context, c Collective) error {
	tag := Tag{Op: OpWarmUp}
	var reqs []Request
	into := make([][]float32, c.WorldSize())
	for peer := 0; peer < c.WorldSize(); peer++ {
		if peer == c.Rank() {
			continue
		}
		into[peer] = make([]float32, 1)
		reqs = append(reqs, c.ISend(ctx, peer, tag, []float32{float32(c.Rank())}))
		reqs = append(reqs, c.IRecv(ctx, peer, tag, into[peer]))
	}
	if err := WaitAll(ctx, reqs); err != nil {
		return err
	}
	for peer, got := range into {
		if got != nil && got[0] != float32(peer) {
			return errs.ProtocolViolationf("warm up from rank %d carried %v", peer, got[0])
		}
	}
	return nil
}
