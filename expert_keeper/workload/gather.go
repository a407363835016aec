package workload

import (
	"context"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
)

// Gatherer is the part of a collective group the load sampling needs.
type Gatherer interface {
	Rank() int
	WorldSize() int
	AllGather(ctx context.Context, local []float64) ([][]float64, error)
}

// Gather collects the rank local [layer][expert] load of every rank into a
// [layer][rank][expert] matrix. A nil gatherer or a world of one rank yields a
// single device matrix.
func Gather(ctx context.Context, g Gatherer, local [][]float64) (*Matrix, error) {
	if len(local) == 0 || len(local[0]) == 0 {
		return nil, errs.TransientGather(nil, "rank reported an empty workload")
	}
	layers, experts := len(local), len(local[0])
	flat := make([]float64, 0, layers*experts)
	for l, row := range local {
		if len(row) != experts {
			return nil, errs.TransientGather(nil, "layer %d reports %d experts, expect %d", l, len(row), experts)
		}
		flat = append(flat, row...)
	}

	if g == nil || g.WorldSize() <= 1 {
		m, err := FromLayerExpert(local)
		if err != nil {
			return nil, errs.TransientGather(err, "invalid local workload")
		}
		return m, nil
	}

	gathered, err := g.AllGather(ctx, flat)
	if err != nil {
		return nil, errs.TransientGather(err, "all gather moe load on rank %d", g.Rank())
	}
	if len(gathered) != g.WorldSize() {
		return nil, errs.TransientGather(nil, "gathered %d ranks, world size %d", len(gathered), g.WorldSize())
	}

	output := New(layers, len(gathered), experts)
	for rank, data := range gathered {
		if len(data) != len(flat) {
			return nil, errs.TransientGather(nil, "rank %d sent %d loads, expect %d", rank, len(data), len(flat))
		}
		for l := 0; l < layers; l++ {
			output.layers[l].SetRow(rank, data[l*experts:(l+1)*experts])
		}
	}
	if err := output.Validate(); err != nil {
		return nil, errs.TransientGather(err, "gathered workload invalid")
	}
	logging.Verbose(1, "[workload] gathered moe load shape=[%d %d %d]", layers, len(gathered), experts)
	return output, nil
}
