package loader

import (
	"context"
	"testing"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/adaptor"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/migration"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/transport"
	"gotest.tools/assert"
)

type rankEnv struct {
	peer    *transport.LocalPeer
	weights *adaptor.MemoryAdaptor
	pool    *adaptor.BufferPool
	loader  *Loader
	reqs    []transport.Request
}

func setup(t *testing.T, initial expertmap.GlobalMap, buffers int) []*rankEnv {
	group := transport.NewLocalGroup(initial.Devices())
	var output []*rankEnv
	for r := 0; r < initial.Devices(); r++ {
		weights, err := adaptor.NewMemoryAdaptor(r, initial, adaptor.MemoryOptions{
			FirstDenseLayers: 1,
			KindSize:         3,
			BufferTensorNum:  buffers,
		})
		assert.NilError(t, err)
		pool := adaptor.NewBufferPool(buffers)
		output = append(output, &rankEnv{
			peer:    group.Peer(r),
			weights: weights,
			pool:    pool,
			loader:  New(group.Peer(r), weights, pool, nil),
		})
	}
	return output
}

func TestLoaderMovesLayer(t *testing.T) {
	initial, err := expertmap.FromDeployment([][][]int{
		{{0, 1}, {2, 3}},
		{{0, 1}, {2, 3}},
	}, 4)
	assert.NilError(t, err)
	ranks := setup(t, initial, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	plan, err := migration.Diff(1, initial[1], [][]int{{0, 2}, {1, 3}}, migration.PolicyFirst, nil)
	assert.NilError(t, err)

	for r, env := range ranks {
		assert.Equal(t, env.loader.State(), StateWaiting)
		err := env.loader.Generate(1, 2, plan.SendsOf(r), plan.RecvsOf(r), plan.ExpertMap[r], plan.Log2Phy[r])
		assert.NilError(t, err)
		assert.Equal(t, env.loader.State(), StateReady)
		assert.Equal(t, env.pool.InUse(), 1)
	}
	for _, env := range ranks {
		env.reqs, err = env.loader.Issue(ctx, env.reqs)
		assert.NilError(t, err)
		assert.Equal(t, env.loader.State(), StateTransferring)
		// one send and one receive of every weight kind
		assert.Equal(t, len(env.reqs), 2*int(adaptor.NumWeightKinds))
	}
	for r, env := range ranks {
		layer, err := env.loader.Commit(ctx, env.reqs)
		assert.NilError(t, err)
		assert.Equal(t, layer, 2)
		assert.Equal(t, env.loader.State(), StateWaiting)
		assert.Equal(t, env.pool.InUse(), 0)
		assert.DeepEqual(t, env.weights.ExpertMap(1), expertmap.LocalMap(plan.ExpertMap[r]))
		assert.DeepEqual(t, env.weights.Log2Phy(1), plan.Log2Phy[r])
		assert.NilError(t, env.weights.VerifyWeights())
	}

	layer, err := ranks[0].loader.Commit(ctx, nil)
	assert.NilError(t, err)
	assert.Equal(t, layer, -1)
}

func TestLoaderCommitsEmptyTask(t *testing.T) {
	initial, err := expertmap.FromDeployment([][][]int{{{0, 1}, {2, 3}}}, 4)
	assert.NilError(t, err)
	ranks := setup(t, initial, 1)
	ctx := context.Background()
	env := ranks[0]

	log2phy := []int32{0, 1, 2, 3}
	assert.NilError(t, env.loader.Generate(1, 1, nil, nil, initial[0][0], log2phy))
	reqs, err := env.loader.Issue(ctx, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(reqs), 0)
	layer, err := env.loader.Commit(ctx, reqs)
	assert.NilError(t, err)
	assert.Equal(t, layer, 1)
	assert.DeepEqual(t, env.weights.Log2Phy(0), log2phy)
}

func TestLoaderBufferExhausted(t *testing.T) {
	initial, err := expertmap.FromDeployment([][][]int{{{0, 1}, {2, 3}}}, 4)
	assert.NilError(t, err)
	ranks := setup(t, initial, 1)
	env := ranks[0]

	recvs := []migration.Transfer{{ExpertID: 2, Peer: 1}, {ExpertID: 3, Peer: 1}}
	err = env.loader.Generate(1, 1, nil, recvs, expertmap.LocalMap{expertmap.Absent, expertmap.Absent, 0, 1}, nil)
	assert.Assert(t, errs.IsConfiguration(err))
	assert.Equal(t, env.loader.State(), StateWaiting)
	assert.Equal(t, env.pool.InUse(), 0)
}

func TestLoaderAbortsOnTransferFailure(t *testing.T) {
	initial, err := expertmap.FromDeployment([][][]int{{{0, 1}, {2, 3}}}, 4)
	assert.NilError(t, err)
	ranks := setup(t, initial, 2)
	env := ranks[0]

	recvs := []migration.Transfer{{ExpertID: 2, Peer: 1}}
	updated := expertmap.LocalMap{0, expertmap.Absent, 1, expertmap.Absent}
	assert.NilError(t, env.loader.Generate(1, 1, nil, recvs, updated, nil))
	assert.Assert(t, errs.IsProtocolViolation(env.loader.Generate(1, 1, nil, nil, updated, nil)))

	reqs, err := env.loader.Issue(context.Background(), nil)
	assert.NilError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// rank 1 never sends
	_, err = env.loader.Commit(ctx, reqs)
	assert.ErrorContains(t, err, "deadline")
	assert.Equal(t, env.loader.State(), StateWaiting)
	assert.Equal(t, env.pool.InUse(), 0)
	assert.DeepEqual(t, env.weights.ExpertMap(0), expertmap.LocalMap(initial[0][0]))
}

func TestLoaderIgnoresAbortedPlan(t *testing.T) {
	initial, err := expertmap.FromDeployment([][][]int{{{0, 1}, {2, 3}}}, 4)
	assert.NilError(t, err)
	ranks := setup(t, initial, 2)
	receiver, sender := ranks[0], ranks[1]
	ctx := context.Background()
	kinds := int(adaptor.NumWeightKinds)

	sends := []migration.Transfer{{ExpertID: 2, Peer: 0}}
	recvs := []migration.Transfer{{ExpertID: 2, Peer: 1}}
	updated := expertmap.LocalMap{0, expertmap.Absent, 1, expertmap.Absent}

	// plan 1 reaches the sender only; the receiver never posts its receives
	assert.NilError(t, sender.loader.Generate(1, 1, sends, nil, initial[0][1], nil))
	reqs, err := sender.loader.Issue(ctx, nil)
	assert.NilError(t, err)
	layer, err := sender.loader.Commit(ctx, reqs)
	assert.NilError(t, err)
	assert.Equal(t, layer, 1)
	assert.Equal(t, sender.peer.Pending(), 0)
	assert.Equal(t, receiver.peer.Pending(), kinds)

	// plan 2 must not pick up what plan 1 left behind
	assert.NilError(t, receiver.loader.Generate(2, 1, nil, recvs, updated, nil))
	reqs, err = receiver.loader.Issue(ctx, nil)
	assert.NilError(t, err)
	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = receiver.loader.Commit(timeout, reqs)
	assert.ErrorContains(t, err, "deadline")
	assert.DeepEqual(t, receiver.weights.ExpertMap(0), expertmap.LocalMap(initial[0][0]))

	// once the sender takes part in plan 2 the move goes through
	assert.NilError(t, receiver.loader.Generate(2, 1, nil, recvs, updated, nil))
	receiver.reqs, err = receiver.loader.Issue(ctx, nil)
	assert.NilError(t, err)
	assert.NilError(t, sender.loader.Generate(2, 1, sends, nil, initial[0][1], nil))
	sender.reqs, err = sender.loader.Issue(ctx, nil)
	assert.NilError(t, err)
	_, err = sender.loader.Commit(ctx, sender.reqs)
	assert.NilError(t, err)
	layer, err = receiver.loader.Commit(ctx, receiver.reqs)
	assert.NilError(t, err)
	assert.Equal(t, layer, 1)
	assert.DeepEqual(t, receiver.weights.ExpertMap(0), updated)
	assert.NilError(t, receiver.weights.VerifyWeights())
	// plan 2 arriving evicted what plan 1 left behind
	assert.Equal(t, receiver.peer.Pending(), 0)
}
