package placement

import (
	"sort"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/pkg/errors"
)

var ErrNoEligibleBox = errors.New("no eligible box")

type weightedExpert struct {
	expert int
	weight float64
}

func sortByWeightDesc(items []weightedExpert) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].weight > items[j].weight
	})
}

// spreadRedundancy hands out the redundant replicas one at a time to the
// heaviest expert, then lowers that expert's weight to its load per replica.
// An expert never gets more copies than there are devices. The returned
// slice keeps the order of the last sort, which is what breaks ties later.
func spreadRedundancy(weights []float64, devices, redundancy int) ([]weightedExpert, []int, error) {
	items := make([]weightedExpert, len(weights))
	for i, w := range weights {
		items[i] = weightedExpert{expert: i, weight: w}
	}
	extra := make([]int, len(weights))
	for i := 0; i < redundancy; i++ {
		sortByWeightDesc(items)
		pick := -1
		for k := range items {
			if extra[items[k].expert]+2 <= devices {
				pick = k
				break
			}
		}
		if pick == -1 {
			return nil, nil, errs.Configurationf(
				"can't place redundant replica %d: every expert already has %d copies", i, devices)
		}
		e := items[pick].expert
		total := items[pick].weight * float64(extra[e]+1)
		extra[e]++
		items[pick].weight = total / float64(extra[e]+1)
	}
	return items, extra, nil
}

// PackLayer assigns the experts of one layer plus redundancy extra replicas to
// devices boxes, heaviest first, each into the lightest box that still has
// room and doesn't hold the same expert yet. When only boxes already holding
// the expert have room, an item is moved out of the way first.
func PackLayer(weights []float64, devices, redundancy int) ([]*Box, error) {
	if devices <= 0 {
		return nil, errs.Configurationf("card num %d can not be 0", devices)
	}
	if redundancy < 0 {
		return nil, errs.Configurationf("negative redundancy %d", redundancy)
	}
	if len(weights) == 0 {
		return nil, errs.Configurationf("layer has no expert")
	}

	items, extra, err := spreadRedundancy(weights, devices, redundancy)
	if err != nil {
		return nil, err
	}

	shared := make([]float64, len(weights))
	for _, item := range items {
		shared[item.expert] = item.weight
	}
	all := make([]weightedExpert, 0, len(weights)+redundancy)
	all = append(all, items...)
	for e, count := range extra {
		for i := 0; i < count; i++ {
			all = append(all, weightedExpert{expert: e, weight: shared[e]})
		}
	}
	sortByWeightDesc(all)

	tracker := newBoxTracker(devices, len(all))
	for _, item := range all {
		b := tracker.lightest(item.expert)
		if b == nil {
			b = tracker.makeRoom(item.expert)
		}
		if b == nil {
			return nil, errors.Wrapf(ErrNoEligibleBox, "expert %d weight %v", item.expert, item.weight)
		}
		tracker.place(b, item.expert, item.weight)
	}
	return tracker.boxes, nil
}
