package migration

import (
	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
)

// Batch is every layer's plan of one cycle in the stacked form the worker
// hands to the orchestrator. A batch with Err set carries no plan; it only
// tells the orchestrator the cycle is over.
type Batch struct {
	Version    uint64
	LayerIDs   []int
	SendInfo   []map[int][]Transfer
	RecvInfo   []map[int][]Transfer
	ExpertMaps []expertmap.LayerMap
	Log2Phy    []expertmap.Log2Phy
	Err        error
}

func FailedBatch(version uint64, err error) *Batch {
	return &Batch{Version: version, Err: err}
}

func Pack(version uint64, plans []LayerPlan) *Batch {
	output := &Batch{Version: version}
	for i := range plans {
		output.LayerIDs = append(output.LayerIDs, plans[i].LayerID)
		output.SendInfo = append(output.SendInfo, plans[i].SendInfo)
		output.RecvInfo = append(output.RecvInfo, plans[i].RecvInfo)
		output.ExpertMaps = append(output.ExpertMaps, plans[i].ExpertMap)
		output.Log2Phy = append(output.Log2Phy, plans[i].Log2Phy)
	}
	return output
}

// MovedExperts counts the expert copies the whole batch transfers.
func (b *Batch) MovedExperts() int {
	count := 0
	for _, recvs := range b.RecvInfo {
		for _, r := range recvs {
			count += len(r)
		}
	}
	return count
}

// Unpack validates a batch against the number of moe layers and splits it
// into per layer plans ordered by layer id.
func Unpack(b *Batch, numMoeLayers int) ([]LayerPlan, error) {
	if b == nil {
		return nil, errs.ProtocolViolationf("nil batch")
	}
	if b.Err != nil {
		return nil, b.Err
	}
	n := len(b.LayerIDs)
	if n != numMoeLayers {
		return nil, errs.ProtocolViolationf("batch has %d layers, expect %d", n, numMoeLayers)
	}
	if len(b.SendInfo) != n || len(b.RecvInfo) != n || len(b.ExpertMaps) != n || len(b.Log2Phy) != n {
		return nil, errs.ProtocolViolationf(
			"batch parts disagree: %d layer ids, %d send, %d recv, %d maps, %d log2phy",
			n, len(b.SendInfo), len(b.RecvInfo), len(b.ExpertMaps), len(b.Log2Phy))
	}

	devices, experts := -1, -1
	output := make([]LayerPlan, n)
	for i := 0; i < n; i++ {
		if b.LayerIDs[i] != i {
			return nil, errs.ProtocolViolationf("batch position %d holds layer %d", i, b.LayerIDs[i])
		}
		m, phy := b.ExpertMaps[i], b.Log2Phy[i]
		if devices == -1 {
			devices = len(m)
			if devices > 0 {
				experts = len(m[0])
			}
		}
		if len(m) != devices || len(phy) != devices || devices == 0 {
			return nil, errs.ProtocolViolationf(
				"layer %d maps %d devices, log2phy %d ranks, expect %d", i, len(m), len(phy), devices)
		}
		for d := 0; d < devices; d++ {
			if len(m[d]) != experts || len(phy[d]) != experts {
				return nil, errs.ProtocolViolationf(
					"layer %d device %d maps %d experts, log2phy %d, expect %d",
					i, d, len(m[d]), len(phy[d]), experts)
			}
		}
		output[i] = LayerPlan{
			LayerID:   i,
			SendInfo:  b.SendInfo[i],
			RecvInfo:  b.RecvInfo[i],
			ExpertMap: m,
			Log2Phy:   phy,
		}
	}
	return output, nil
}
