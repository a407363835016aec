package migration

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
)

// remapDevice builds the new local map of one device. Experts the device
// already hosts stay in their slot; newcomers take the free slots in
// ascending order.
func remapDevice(old expertmap.LocalMap, box []int, capacity int) (expertmap.LocalMap, []int, error) {
	experts := len(old)
	if len(box) > capacity {
		return nil, nil, errs.Configurationf("%d experts don't fit in %d slots", len(box), capacity)
	}
	output := expertmap.NewLocalMap(experts)
	used := make([]bool, capacity)
	for _, e := range box {
		if e < 0 || e >= experts {
			return nil, nil, errs.Configurationf("expert %d outside [0, %d)", e, experts)
		}
		if output[e] != expertmap.Absent {
			return nil, nil, errs.ProtocolViolationf("expert %d placed twice", e)
		}
		if old[e] != expertmap.Absent {
			output[e] = old[e]
			used[old[e]] = true
		} else {
			// reserve, the real slot is assigned below
			output[e] = int32(capacity)
		}
	}

	var incoming []int
	next := 0
	for _, e := range box {
		if old[e] != expertmap.Absent {
			continue
		}
		for used[next] {
			next++
		}
		output[e] = int32(next)
		used[next] = true
		incoming = append(incoming, e)
	}
	return output, incoming, nil
}

// Diff computes what each device sends and receives to go from old to the
// deployment newBoxes for one layer. A device receives every expert it didn't
// host before from the first device that did.
func Diff(
	layerID int,
	old expertmap.LayerMap,
	newBoxes [][]int,
	policy Log2PhyPolicy,
	rng *rand.Rand,
) (LayerPlan, error) {
	plan := LayerPlan{
		LayerID:  layerID,
		SendInfo: map[int][]Transfer{},
		RecvInfo: map[int][]Transfer{},
	}
	if len(old) != len(newBoxes) {
		return plan, errs.Configurationf(
			"layer %d: old map has %d devices, new deployment %d", layerID, len(old), len(newBoxes))
	}
	if len(old) == 0 {
		return plan, errs.Configurationf("layer %d has no device", layerID)
	}
	experts := len(old[0])
	if err := old.Validate(experts); err != nil {
		return plan, fmt.Errorf("layer %d old map: %w", layerID, err)
	}

	capacity := old.SlotsPerDevice()
	plan.ExpertMap = make(expertmap.LayerMap, len(newBoxes))
	for d, box := range newBoxes {
		local, incoming, err := remapDevice(old[d], box, capacity)
		if err != nil {
			return plan, fmt.Errorf("layer %d device %d: %w", layerID, d, err)
		}
		plan.ExpertMap[d] = local
		for _, e := range incoming {
			holders := old.Holders(e)
			if len(holders) == 0 {
				return plan, errs.ProtocolViolationf("layer %d: expert %d has no holder in the old map", layerID, e)
			}
			src := holders[0]
			plan.RecvInfo[d] = append(plan.RecvInfo[d], Transfer{ExpertID: e, Peer: src})
			plan.SendInfo[src] = append(plan.SendInfo[src], Transfer{ExpertID: e, Peer: d})
		}
	}
	if err := plan.ExpertMap.Validate(experts); err != nil {
		return plan, fmt.Errorf("layer %d new map: %w", layerID, err)
	}
	plan.Log2Phy = BuildLog2Phy(plan.ExpertMap, policy, rng)
	return plan, nil
}

// Planner diffs every layer of a deployment against the current global map.
type Planner struct {
	policy Log2PhyPolicy
	mu     sync.Mutex
	rng    *rand.Rand
}

func NewPlanner(policy Log2PhyPolicy, seed int64) *Planner {
	return &Planner{policy: policy, rng: rand.New(rand.NewSource(seed))}
}

func (p *Planner) Policy() Log2PhyPolicy {
	return p.policy
}

func (p *Planner) PlanAll(old expertmap.GlobalMap, deployment [][][]int) ([]LayerPlan, error) {
	if len(old) != len(deployment) {
		return nil, errs.Configurationf("old map has %d layers, deployment %d", len(old), len(deployment))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	output := make([]LayerPlan, 0, len(deployment))
	for l, boxes := range deployment {
		plan, err := Diff(l, old[l], boxes, p.policy, p.rng)
		if err != nil {
			return nil, err
		}
		output = append(output, plan)
	}
	return output, nil
}
