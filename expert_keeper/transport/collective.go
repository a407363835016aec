// Package transport moves expert weights and small collective payloads
// between the ranks of an expert parallel group.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
)

type Op int32

const (
	OpExpert Op = iota
	OpGather
	OpBarrier
	OpWarmUp
)

var opNames = []string{"expert", "gather", "barrier", "warmup"}

func (o Op) String() string {
	if o < OpExpert || o > OpWarmUp {
		return "unknown"
	}
	return opNames[o]
}

// Tag identifies a message between two ranks. Expert transfers are keyed by
// plan version, layer, expert and weight kind; collectives by their sequence
// number.
type Tag struct {
	Op     Op
	Layer  int32
	Expert int32
	Kind   int32
	Seq    uint64
}

// ExpertTag tags one weight kind of an expert moved by the plan of version seq.
// Messages left behind by an aborted plan never match a later plan's receives.
func ExpertTag(seq uint64, layer, expert, kind int) Tag {
	return Tag{Op: OpExpert, Layer: int32(layer), Expert: int32(expert), Kind: int32(kind), Seq: seq}
}

func (t Tag) String() string {
	return fmt.Sprintf("%s/%d/%d/%d/%d", t.Op, t.Layer, t.Expert, t.Kind, t.Seq)
}

func ParseTag(s string) (Tag, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return Tag{}, errs.ProtocolViolationf("malformed tag %q", s)
	}
	var output Tag
	op := -1
	for i, n := range opNames {
		if n == parts[0] {
			op = i
		}
	}
	if op == -1 {
		return Tag{}, errs.ProtocolViolationf("unknown op in tag %q", s)
	}
	output.Op = Op(op)
	nums := make([]int64, 3)
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseInt(parts[i+1], 10, 32)
		if err != nil {
			return Tag{}, errs.ProtocolViolationf("malformed tag %q: %v", s, err)
		}
		nums[i] = v
	}
	output.Layer, output.Expert, output.Kind = int32(nums[0]), int32(nums[1]), int32(nums[2])
	seq, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return Tag{}, errs.ProtocolViolationf("malformed tag %q: %v", s, err)
	}
	output.Seq = seq
	return output, nil
}

// Request is an asynchronous send or receive.
type Request interface {
	Wait(ctx context.Context) error
}

// Collective is what the rebalancer needs from the expert parallel group.
// Collective calls must be issued in the same order on every rank.
type Collective interface {
	Rank() int
	WorldSize() int
	AllGather(ctx context.Context, local []float64) ([][]float64, error)
	AllGatherInt32(ctx context.Context, local []int32) ([][]int32, error)
	// ISend posts payload to dst. payload is copied before ISend returns.
	ISend(ctx context.Context, dst int, tag Tag, payload []float32) Request
	// IRecv receives into into, which must not be touched until Wait returns.
	IRecv(ctx context.Context, src int, tag Tag, into []float32) Request
	Barrier(ctx context.Context) error
}

type doneRequest struct {
	err error
}

func (d doneRequest) Wait(ctx context.Context) error {
	return d.err
}

type asyncRequest struct {
	done chan struct{}
	err  error
}

func startRequest(f func() error) *asyncRequest {
	output := &asyncRequest{done: make(chan struct{})}
	go func() {
		defer close(output.done)
		output.err = f()
	}()
	return output
}

func (a *asyncRequest) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recvRequest struct {
	box  *mailbox
	src  int
	tag  Tag
	into []float32
}

func (r *recvRequest) Wait(ctx context.Context) error {
	data, err := r.box.receive(ctx, r.src, r.tag)
	if err != nil {
		return err
	}
	return decodeFloat32Into(data, r.into)
}

// WaitAll waits every request and returns the first error.
func WaitAll(ctx context.Context, reqs []Request) error {
	var first error
	for _, r := range reqs {
		if err := r.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
