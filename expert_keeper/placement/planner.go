package placement

import (
	"context"
	"fmt"
	"runtime"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/workload"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Deployment is indexed [layer][device] and lists the logical experts a
// device hosts, one entry per physical slot.
type Deployment [][][]int

type Options struct {
	Devices    int
	Redundancy int
	// Experts is the routed expert count of the model; 0 accepts whatever the
	// workload reports.
	Experts     int
	Parallelism int
	// Current is the [layer][device] deployment the workload was measured
	// under. Without it the baseline assumes contiguous expert ranges.
	Current [][][]int
}

func (o *Options) Validate() error {
	if o.Devices <= 0 {
		return errs.Configurationf("card num %d can not be 0", o.Devices)
	}
	if o.Redundancy < 0 {
		return errs.Configurationf("negative redundancy %d", o.Redundancy)
	}
	if o.Devices < o.Redundancy {
		return errs.Configurationf(
			"device count %d must be greater than or equal to redundancy %d", o.Devices, o.Redundancy)
	}
	return nil
}

type LayerImbalance struct {
	Layer    int     `json:"layer"`
	Baseline float64 `json:"baseline"`
	Balanced float64 `json:"balanced"`
}

type Result struct {
	Deployment Deployment
	Boxes      [][]*Box
	Imbalance  []LayerImbalance
}

// SlotsPerLayer is route experts plus redundancy.
func (r *Result) SlotsPerLayer() int {
	if len(r.Deployment) == 0 {
		return 0
	}
	count := 0
	for _, box := range r.Deployment[0] {
		count += len(box)
	}
	return count
}

// Plan packs every layer of w independently. Layers run concurrently but the
// result only depends on the input.
func Plan(ctx context.Context, w *workload.Matrix, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if w == nil || w.Layers() == 0 {
		return nil, errs.Configurationf("empty workload")
	}
	if opts.Experts != 0 && opts.Experts != w.Experts() {
		return nil, errs.Configurationf(
			"original expert count %d must equal workload expert count %d", opts.Experts, w.Experts())
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if opts.Current != nil && len(opts.Current) != w.Layers() {
		return nil, errs.Configurationf(
			"current deployment has %d layers, workload %d", len(opts.Current), w.Layers())
	}

	result := &Result{
		Deployment: make(Deployment, w.Layers()),
		Boxes:      make([][]*Box, w.Layers()),
		Imbalance:  make([]LayerImbalance, w.Layers()),
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for l := 0; l < w.Layers(); l++ {
		layer := l
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			totals := w.ExpertTotals(layer)
			boxes, err := PackLayer(totals, opts.Devices, opts.Redundancy)
			if err != nil {
				return fmt.Errorf("layer %d: %w", layer, err)
			}
			deployment := make([][]int, len(boxes))
			for d, b := range boxes {
				deployment[d] = append([]int{}, b.Items...)
			}
			result.Deployment[layer] = deployment
			result.Boxes[layer] = boxes
			result.Imbalance[layer] = LayerImbalance{
				Layer:    layer,
				Baseline: baselineImbalance(totals, currentLayer(opts.Current, layer), opts.Devices),
				Balanced: balancedImbalance(boxes, totals),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, imb := range result.Imbalance {
		logging.Verbose(1, "[placement] imbalance layer %d: %.4f -> %.4f", imb.Layer, imb.Baseline, imb.Balanced)
	}
	return result, nil
}

func ratioToAverage(max, sum float64, devices int) float64 {
	if sum <= 0 {
		return 1
	}
	return max / (sum / float64(devices))
}

func currentLayer(deployment [][][]int, layer int) [][]int {
	if deployment == nil {
		return nil
	}
	return deployment[layer]
}

// baselineImbalance is the imbalance of the placement the load was measured
// under, each replica taking an equal share of its expert's load. Without a
// placement experts are split into contiguous ranges, the default expert
// parallel layout.
func baselineImbalance(totals []float64, boxes [][]int, devices int) float64 {
	perDevice := make([]float64, devices)
	if len(boxes) == devices {
		replicas := make([]int, len(totals))
		for _, box := range boxes {
			for _, e := range box {
				if e >= 0 && e < len(totals) {
					replicas[e]++
				}
			}
		}
		for d, box := range boxes {
			for _, e := range box {
				if e >= 0 && e < len(totals) {
					perDevice[d] += totals[e] / float64(replicas[e])
				}
			}
		}
	} else {
		if len(totals)%devices != 0 {
			return 0
		}
		chunk := len(totals) / devices
		for d := 0; d < devices; d++ {
			perDevice[d] = floats.Sum(totals[d*chunk : (d+1)*chunk])
		}
	}
	return ratioToAverage(floats.Max(perDevice), floats.Sum(perDevice), devices)
}

func balancedImbalance(boxes []*Box, totals []float64) float64 {
	loads := make([]float64, len(boxes))
	for i, b := range boxes {
		loads[i] = b.TotalWeight
	}
	return ratioToAverage(floats.Max(loads), floats.Sum(totals), len(boxes))
}

// AverageImbalance returns the mean baseline and balanced ratio over layers.
func AverageImbalance(imb []LayerImbalance) (baseline, balanced float64) {
	if len(imb) == 0 {
		return 0, 0
	}
	for _, i := range imb {
		baseline += i.Baseline
		balanced += i.Balanced
	}
	return baseline / float64(len(imb)), balanced / float64(len(imb))
}
