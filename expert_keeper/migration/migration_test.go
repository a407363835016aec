package migration

import (
	"math/rand"
	"testing"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func mustLayer(t *testing.T, boxes [][]int, experts int) expertmap.LayerMap {
	layer, err := expertmap.LayerFromBoxes(boxes, experts)
	assert.NilError(t, err)
	return layer
}

func TestDiffIdempotent(t *testing.T) {
	boxes := [][]int{{0, 1, 3}, {0, 2}}
	old := mustLayer(t, boxes, 4)
	plan, err := Diff(0, old, boxes, PolicyFirst, nil)
	assert.NilError(t, err)
	assert.Assert(t, plan.Empty())
	assert.Equal(t, len(plan.SendInfo), 0)
	assert.Equal(t, len(plan.RecvInfo), 0)
	assert.Assert(t, plan.ExpertMap.Equal(old))
	assert.NilError(t, plan.Log2Phy.Validate(plan.ExpertMap))
}

func TestDiffMovesExperts(t *testing.T) {
	old := mustLayer(t, [][]int{{0, 1}, {2, 3}}, 4)
	plan, err := Diff(1, old, [][]int{{0, 3}, {2, 1}}, PolicyFirst, nil)
	assert.NilError(t, err)
	assert.Equal(t, plan.LayerID, 1)

	assert.DeepEqual(t, plan.RecvsOf(0), []Transfer{{ExpertID: 3, Peer: 1}})
	assert.DeepEqual(t, plan.RecvsOf(1), []Transfer{{ExpertID: 1, Peer: 0}})
	assert.DeepEqual(t, plan.SendsOf(0), []Transfer{{ExpertID: 1, Peer: 1}})
	assert.DeepEqual(t, plan.SendsOf(1), []Transfer{{ExpertID: 3, Peer: 0}})
	assert.Equal(t, plan.MovedExperts(), 2)

	// kept experts stay in place, newcomers take the freed slot
	assert.DeepEqual(t, plan.ExpertMap, expertmap.LayerMap{
		{0, expertmap.Absent, expertmap.Absent, 1},
		{expertmap.Absent, 1, 0, expertmap.Absent},
	})
	assert.DeepEqual(t, plan.Log2Phy, expertmap.Log2Phy{
		{0, 3, 2, 1},
		{0, 3, 2, 1},
	})
}

func TestDiffReplicaSourceIsFirstHolder(t *testing.T) {
	old := mustLayer(t, [][]int{{0, 1}, {0, 2}, {3, 1}}, 4)
	plan, err := Diff(0, old, [][]int{{0, 1}, {0, 2}, {3, 0}}, PolicyFirst, nil)
	assert.NilError(t, err)
	assert.DeepEqual(t, plan.RecvsOf(2), []Transfer{{ExpertID: 0, Peer: 0}})
	assert.DeepEqual(t, plan.SendsOf(0), []Transfer{{ExpertID: 0, Peer: 2}})
	assert.Assert(t, plan.SendsOf(1) == nil)
	assert.DeepEqual(t, plan.ExpertMap[2], []int32{1, expertmap.Absent, expertmap.Absent, 0})
}

func TestDiffUnevenBoxes(t *testing.T) {
	old := mustLayer(t, [][]int{{0, 1, 3}, {0, 2}}, 4)
	plan, err := Diff(0, old, [][]int{{3, 0}, {3, 1, 2}}, PolicyRoundRobin, nil)
	assert.NilError(t, err)
	// device 0 keeps slots 0 and 2 and leaves slot 1 empty
	assert.DeepEqual(t, plan.ExpertMap[0], []int32{0, expertmap.Absent, expertmap.Absent, 2})
	assert.DeepEqual(t, plan.ExpertMap[1], []int32{expertmap.Absent, 2, 1, 0})
	assert.Equal(t, plan.ExpertMap.SlotsPerDevice(), 3)
	assert.NilError(t, plan.Log2Phy.Validate(plan.ExpertMap))

	_, err = Diff(0, old, [][]int{{0, 1, 2, 3}, {0}}, PolicyFirst, nil)
	assert.Assert(t, errs.IsConfiguration(err))
}

func TestDiffInvalid(t *testing.T) {
	old := mustLayer(t, [][]int{{0, 1}, {2, 3}}, 4)
	_, err := Diff(0, old, [][]int{{0, 1}}, PolicyFirst, nil)
	assert.Assert(t, errs.IsConfiguration(err))
	_, err = Diff(0, old, [][]int{{0, 0}, {2, 3}}, PolicyFirst, nil)
	assert.Assert(t, errs.IsProtocolViolation(err))

	broken := expertmap.LayerMap{{0, 1, expertmap.Absent, expertmap.Absent}, {expertmap.Absent, expertmap.Absent, 0, expertmap.Absent}}
	_, err = Diff(0, broken, [][]int{{0, 1}, {2, 3}}, PolicyFirst, nil)
	assert.Assert(t, errs.IsProtocolViolation(err))
}

func TestLog2PhyPolicies(t *testing.T) {
	layer := mustLayer(t, [][]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}}, 4)

	first := BuildLog2Phy(layer, PolicyFirst, nil)
	assert.NilError(t, first.Validate(layer))
	assert.Equal(t, first[2][1], int32(1))

	rr := BuildLog2Phy(layer, PolicyRoundRobin, nil)
	assert.NilError(t, rr.Validate(layer))
	// expert 1 lives on devices 0 and 3, rank 1 and 2 alternate
	assert.Equal(t, rr[1][1], int32(6))
	assert.Equal(t, rr[2][1], int32(1))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		random := BuildLog2Phy(layer, PolicyRandom, rng)
		assert.NilError(t, random.Validate(layer))
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("round_robin")
	assert.NilError(t, err)
	assert.Equal(t, p, PolicyRoundRobin)
	p, err = ParsePolicy("")
	assert.NilError(t, err)
	assert.Equal(t, p, PolicyRandom)
	_, err = ParsePolicy("nearest")
	assert.Assert(t, errs.IsConfiguration(err))

	var decoded Log2PhyPolicy
	assert.NilError(t, decoded.UnmarshalText([]byte("FIRST")))
	assert.Equal(t, decoded.String(), "first")
}

func TestPlanAllAndBatch(t *testing.T) {
	old, err := expertmap.FromDeployment([][][]int{
		{{0, 1}, {2, 3}},
		{{0, 1}, {2, 3}},
	}, 4)
	assert.NilError(t, err)
	deployment := [][][]int{
		{{0, 1}, {2, 3}},
		{{0, 2}, {1, 3}},
	}
	planner := NewPlanner(PolicyRandom, 3)
	plans, err := planner.PlanAll(old, deployment)
	assert.NilError(t, err)
	assert.Equal(t, len(plans), 2)
	assert.Assert(t, plans[0].Empty())
	assert.Equal(t, plans[1].MovedExperts(), 2)

	batch := Pack(7, plans)
	assert.Equal(t, batch.MovedExperts(), 2)
	unpacked, err := Unpack(batch, 2)
	assert.NilError(t, err)
	assert.DeepEqual(t, unpacked, plans)

	queue := MakeQueue(unpacked...)
	assert.Equal(t, queue.Len(), 2)
	assert.Equal(t, queue.Pop().LayerID, 0)
	assert.Equal(t, queue.Peek().LayerID, 1)
	queue.Clear()
	assert.Assert(t, !queue.HasPlan())

	_, err = planner.PlanAll(old, deployment[:1])
	assert.Assert(t, errs.IsConfiguration(err))
}

func TestUnpackRejectsMalformed(t *testing.T) {
	old, err := expertmap.FromDeployment([][][]int{{{0, 1}, {2, 3}}, {{0, 1}, {2, 3}}}, 4)
	assert.NilError(t, err)
	plans, err := NewPlanner(PolicyFirst, 0).PlanAll(old, old.Deployment())
	assert.NilError(t, err)

	_, err = Unpack(Pack(1, plans), 3)
	assert.Assert(t, errs.IsProtocolViolation(err))

	swapped := Pack(1, []LayerPlan{plans[1], plans[0]})
	_, err = Unpack(swapped, 2)
	assert.Assert(t, errs.IsProtocolViolation(err))

	truncated := Pack(1, plans)
	truncated.Log2Phy = truncated.Log2Phy[:1]
	_, err = Unpack(truncated, 2)
	assert.Assert(t, errs.IsProtocolViolation(err))

	shape := Pack(1, plans)
	shape.ExpertMaps[1] = shape.ExpertMaps[1][:1]
	_, err = Unpack(shape, 2)
	assert.Assert(t, errs.IsProtocolViolation(err))

	_, err = Unpack(nil, 2)
	assert.Assert(t, errs.IsProtocolViolation(err))

	cause := errors.New("planning failed")
	_, err = Unpack(FailedBatch(2, cause), 2)
	assert.Equal(t, err, cause)
}
