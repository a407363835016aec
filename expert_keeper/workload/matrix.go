// Package workload holds the measured expert load of one rebalancing cycle.
package workload

import (
	"math"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix is a [layer][device][expert] load tensor. Each layer is a
// devices x experts dense matrix. A Matrix is treated as immutable once it has
// been published; use Clone before modifying a shared one.
type Matrix struct {
	devices int
	experts int
	layers  []*mat.Dense
}

func New(layers, devices, experts int) *Matrix {
	output := &Matrix{devices: devices, experts: experts}
	for i := 0; i < layers; i++ {
		output.layers = append(output.layers, mat.NewDense(devices, experts, nil))
	}
	return output
}

func FromNested(data [][][]float64) (*Matrix, error) {
	if len(data) == 0 || len(data[0]) == 0 || len(data[0][0]) == 0 {
		return nil, errs.Configurationf("empty workload")
	}
	devices, experts := len(data[0]), len(data[0][0])
	output := New(len(data), devices, experts)
	for l, layer := range data {
		if len(layer) != devices {
			return nil, errs.Configurationf("layer %d has %d devices, expect %d", l, len(layer), devices)
		}
		for d, row := range layer {
			if len(row) != experts {
				return nil, errs.Configurationf(
					"layer %d device %d has %d experts, expect %d", l, d, len(row), experts)
			}
			output.layers[l].SetRow(d, row)
		}
	}
	return output, output.Validate()
}

// FromLayerExpert wraps a [layer][expert] load as a single device matrix.
func FromLayerExpert(data [][]float64) (*Matrix, error) {
	nested := make([][][]float64, len(data))
	for l, row := range data {
		nested[l] = [][]float64{row}
	}
	return FromNested(nested)
}

func (m *Matrix) Layers() int {
	return len(m.layers)
}

func (m *Matrix) Devices() int {
	return m.devices
}

func (m *Matrix) Experts() int {
	return m.experts
}

func (m *Matrix) Layer(l int) *mat.Dense {
	return m.layers[l]
}

func (m *Matrix) At(layer, device, expert int) float64 {
	return m.layers[layer].At(device, expert)
}

func (m *Matrix) Set(layer, device, expert int, v float64) {
	m.layers[layer].Set(device, expert, v)
}

// ExpertTotals sums the load of every expert over all devices of one layer.
func (m *Matrix) ExpertTotals(layer int) []float64 {
	totals := make([]float64, m.experts)
	for d := 0; d < m.devices; d++ {
		floats.Add(totals, m.layers[layer].RawRowView(d))
	}
	return totals
}

// DeviceTotals sums the load each device served for one layer.
func (m *Matrix) DeviceTotals(layer int) []float64 {
	totals := make([]float64, m.devices)
	for d := 0; d < m.devices; d++ {
		totals[d] = floats.Sum(m.layers[layer].RawRowView(d))
	}
	return totals
}

func (m *Matrix) Nested() [][][]float64 {
	output := make([][][]float64, len(m.layers))
	for l, layer := range m.layers {
		output[l] = make([][]float64, m.devices)
		for d := 0; d < m.devices; d++ {
			output[l][d] = mat.Row(nil, d, layer)
		}
	}
	return output
}

func (m *Matrix) Clone() *Matrix {
	output := &Matrix{devices: m.devices, experts: m.experts}
	for _, layer := range m.layers {
		output.layers = append(output.layers, mat.DenseCopyOf(layer))
	}
	return output
}

func (m *Matrix) Validate() error {
	for l, layer := range m.layers {
		for d := 0; d < m.devices; d++ {
			for e, v := range layer.RawRowView(d) {
				if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
					return errs.Configurationf("invalid load %v at layer %d device %d expert %d", v, l, d, e)
				}
			}
		}
	}
	return nil
}
