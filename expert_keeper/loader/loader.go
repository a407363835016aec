// Package loader moves the expert weights of one layer between devices and
// swaps them into place once every transfer has landed.
package loader

import (
	"context"
	"fmt"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/adaptor"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/migration"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/transport"
)

type State int

const (
	StateWaiting State = iota
	StateReady
	StateTransferring
)

var stateNames = []string{"waiting", "ready", "transferring"}

func (s State) String() string {
	if s < StateWaiting || s > StateTransferring {
		return "unknown"
	}
	return stateNames[s]
}

type recvSlot struct {
	transfer migration.Transfer
	bufferID int
}

type task struct {
	seq       uint64
	layer     int
	sends     []migration.Transfer
	recvs     []recvSlot
	expertMap expertmap.LocalMap
	log2phy   []int32
}

// Loader stages one layer at a time: Generate reserves buffers, Issue posts
// the sends and receives, Commit waits for them and installs the new map.
type Loader struct {
	rank    int
	adaptor adaptor.WeightAdaptor
	comm    transport.Collective
	pool    *adaptor.BufferPool
	kinds   []adaptor.WeightKind
	state   State
	current *task
	logName string
}

func New(
	comm transport.Collective,
	weights adaptor.WeightAdaptor,
	pool *adaptor.BufferPool,
	kinds []adaptor.WeightKind,
) *Loader {
	if len(kinds) == 0 {
		kinds = adaptor.AllWeightKinds
	}
	return &Loader{
		rank:    comm.Rank(),
		adaptor: weights,
		comm:    comm,
		pool:    pool,
		kinds:   kinds,
		logName: fmt.Sprintf("[loader rank %d]", comm.Rank()),
	}
}

func (l *Loader) State() State {
	return l.state
}

// Generate prepares the transfer task of layer (a model layer id) for this
// rank, as part of the plan of version seq. A receive buffer is reserved for
// every incoming expert; if the pool runs out the task is dropped as a whole.
func (l *Loader) Generate(
	seq uint64,
	layer int,
	sends, recvs []migration.Transfer,
	updated expertmap.LocalMap,
	log2phy []int32,
) error {
	if l.state != StateWaiting {
		return errs.ProtocolViolationf("%s generate layer %d while %s", l.logName, layer, l.state)
	}
	t := &task{
		seq:       seq,
		layer:     layer,
		sends:     sends,
		expertMap: updated,
		log2phy:   log2phy,
	}
	for _, r := range recvs {
		id, err := l.pool.Acquire()
		if err != nil {
			l.release(t)
			return err
		}
		t.recvs = append(t.recvs, recvSlot{transfer: r, bufferID: id})
	}
	l.current = t
	l.state = StateReady
	logging.Verbose(1, "%s layer %d ready: %d sends, %d recvs", l.logName, layer, len(sends), len(recvs))
	return nil
}

// Issue posts the ready task's transfers and appends their requests to reqs.
func (l *Loader) Issue(ctx context.Context, reqs []transport.Request) ([]transport.Request, error) {
	if l.state != StateReady {
		return reqs, nil
	}
	t := l.current
	for _, s := range t.sends {
		weights, err := l.adaptor.ExpertTensor(t.layer, s.ExpertID)
		if err != nil {
			l.abort()
			return reqs, err
		}
		for _, k := range l.kinds {
			reqs = append(reqs, l.comm.ISend(ctx, s.Peer, transport.ExpertTag(t.seq, t.layer, s.ExpertID, int(k)), weights[k]))
		}
	}
	for _, r := range t.recvs {
		buffer, err := l.adaptor.BufferTensor(r.bufferID)
		if err != nil {
			l.abort()
			return reqs, err
		}
		for _, k := range l.kinds {
			tag := transport.ExpertTag(t.seq, t.layer, r.transfer.ExpertID, int(k))
			reqs = append(reqs, l.comm.IRecv(ctx, r.transfer.Peer, tag, buffer[k]))
		}
	}
	l.state = StateTransferring
	return reqs, nil
}

// Commit waits for reqs, installs the layer's expert map and log2phy, and
// copies every received buffer into the slot the new map gives its expert.
// It returns the layer committed, or -1 if nothing was in transfer.
func (l *Loader) Commit(ctx context.Context, reqs []transport.Request) (int, error) {
	if l.state != StateTransferring {
		return -1, nil
	}
	t := l.current
	defer l.abort()

	if err := transport.WaitAll(ctx, reqs); err != nil {
		return -1, fmt.Errorf("layer %d transfer: %w", t.layer, err)
	}
	if err := l.adaptor.UpdateExpertMap(t.layer, t.expertMap); err != nil {
		return -1, err
	}
	if err := l.adaptor.UpdateLog2PhyMap(t.layer, t.log2phy); err != nil {
		return -1, err
	}
	for _, r := range t.recvs {
		if err := l.adaptor.UpdateExpertWeight(t.layer, r.transfer.ExpertID, r.bufferID); err != nil {
			return -1, err
		}
	}
	logging.Verbose(1, "%s layer %d committed, %d experts received", l.logName, t.layer, len(t.recvs))
	return t.layer, nil
}

func (l *Loader) release(t *task) {
	for _, r := range t.recvs {
		l.pool.Release(r.bufferID)
	}
	t.recvs = nil
}

func (l *Loader) abort() {
	if l.current != nil {
		l.release(l.current)
	}
	l.current = nil
	l.state = StateWaiting
}
