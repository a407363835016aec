package adaptor

import (
	"sync"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
)

type MemoryOptions struct {
	FirstDenseLayers int
	Kinds            []WeightKind
	KindSize         int
	BufferTensorNum  int
}

// MemoryAdaptor keeps one rank's experts as float32 slices. Each hosted
// expert is filled with ExpectedWeight, so a misplaced copy is detectable.
type MemoryAdaptor struct {
	mu        sync.Mutex
	rank      int
	opts      MemoryOptions
	experts   int
	slots     [][]ExpertWeights
	expertMap []expertmap.LocalMap
	log2phy   [][]int32
	buffers   []ExpertWeights
	load      [][]float64
}

// ExpectedWeight is the value every element of expert's tensors holds.
func ExpectedWeight(moeLayer, expert int) float32 {
	return float32(moeLayer*10000 + expert + 1)
}

func NewMemoryAdaptor(rank int, initial expertmap.GlobalMap, opts MemoryOptions) (*MemoryAdaptor, error) {
	if len(initial) == 0 || rank < 0 || rank >= initial.Devices() {
		return nil, errs.Configurationf("rank %d not in initial expert map of %d devices", rank, initial.Devices())
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = AllWeightKinds
	}
	if opts.KindSize <= 0 {
		opts.KindSize = 4
	}
	if opts.BufferTensorNum <= 0 {
		opts.BufferTensorNum = DefaultBufferTensorNum
	}
	output := &MemoryAdaptor{
		rank:    rank,
		opts:    opts,
		experts: initial.Experts(),
	}
	for l, layer := range initial {
		local := expertmap.LocalMap(layer[rank]).Clone()
		slots := make([]ExpertWeights, layer.SlotsPerDevice())
		for i := range slots {
			slots[i] = NewExpertWeights(opts.Kinds, opts.KindSize)
		}
		for e, slot := range local {
			if slot != expertmap.Absent {
				slots[slot].Fill(ExpectedWeight(l, e))
			}
		}
		output.slots = append(output.slots, slots)
		output.expertMap = append(output.expertMap, local)
		output.log2phy = append(output.log2phy, nil)
		output.load = append(output.load, make([]float64, output.experts))
	}
	for i := 0; i < opts.BufferTensorNum; i++ {
		output.buffers = append(output.buffers, NewExpertWeights(opts.Kinds, opts.KindSize))
	}
	return output, nil
}

func (m *MemoryAdaptor) moeLayer(layer int) (int, error) {
	l := layer - m.opts.FirstDenseLayers
	if l < 0 || l >= len(m.slots) {
		return -1, errs.ProtocolViolationf("layer %d is not a moe layer", layer)
	}
	return l, nil
}

func (m *MemoryAdaptor) Rank() int {
	return m.rank
}

func (m *MemoryAdaptor) NumMoeLayers() int {
	return len(m.slots)
}

func (m *MemoryAdaptor) ExpertTensor(layer, logicalExpert int) (ExpertWeights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.moeLayer(layer)
	if err != nil {
		return ExpertWeights{}, err
	}
	if !m.expertMap[l].Hosts(logicalExpert) {
		return ExpertWeights{}, errs.ProtocolViolationf(
			"rank %d doesn't host expert %d of layer %d", m.rank, logicalExpert, layer)
	}
	return m.slots[l][m.expertMap[l][logicalExpert]], nil
}

func (m *MemoryAdaptor) BufferTensor(bufferID int) (ExpertWeights, error) {
	if bufferID < 0 || bufferID >= len(m.buffers) {
		return ExpertWeights{}, errs.Configurationf("buffer %d outside [0, %d)", bufferID, len(m.buffers))
	}
	return m.buffers[bufferID], nil
}

func (m *MemoryAdaptor) Copy(dst, src ExpertWeights) error {
	return CopyWeights(dst, src)
}

func (m *MemoryAdaptor) RankWorkload(numLayers int) ([][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if numLayers != len(m.load) {
		return nil, errs.Configurationf("asked for %d moe layers, have %d", numLayers, len(m.load))
	}
	output := make([][]float64, numLayers)
	for l, row := range m.load {
		output[l] = append([]float64{}, row...)
	}
	return output, nil
}

func (m *MemoryAdaptor) InitExpertMap(numLayers int) ([][]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if numLayers != len(m.expertMap) {
		return nil, errs.Configurationf("asked for %d moe layers, have %d", numLayers, len(m.expertMap))
	}
	output := make([][]int32, numLayers)
	for l, local := range m.expertMap {
		output[l] = local.Clone()
	}
	return output, nil
}

func (m *MemoryAdaptor) UpdateExpertMap(layer int, local expertmap.LocalMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.moeLayer(layer)
	if err != nil {
		return err
	}
	if len(local) != m.experts {
		return errs.ProtocolViolationf("expert map of %d experts, expect %d", len(local), m.experts)
	}
	for e, slot := range local {
		if int(slot) >= len(m.slots[l]) {
			return errs.ProtocolViolationf(
				"expert %d mapped to slot %d, layer %d has %d slots", e, slot, layer, len(m.slots[l]))
		}
	}
	m.expertMap[l] = local.Clone()
	return nil
}

func (m *MemoryAdaptor) UpdateLog2PhyMap(layer int, row []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.moeLayer(layer)
	if err != nil {
		return err
	}
	m.log2phy[l] = append([]int32{}, row...)
	return nil
}

func (m *MemoryAdaptor) UpdateExpertWeight(layer, logicalExpert, bufferID int) error {
	buffer, err := m.BufferTensor(bufferID)
	if err != nil {
		return err
	}
	dst, err := m.ExpertTensor(layer, logicalExpert)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return CopyWeights(dst, buffer)
}

// RecordRouting counts one token for each expert in experts.
func (m *MemoryAdaptor) RecordRouting(moeLayer int, experts []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range experts {
		if e >= 0 && e < m.experts {
			m.load[moeLayer][e]++
		}
	}
}

func (m *MemoryAdaptor) ExpertMap(moeLayer int) expertmap.LocalMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expertMap[moeLayer].Clone()
}

func (m *MemoryAdaptor) Log2Phy(moeLayer int) []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int32{}, m.log2phy[moeLayer]...)
}

// VerifyWeights checks every hosted expert's slot holds that expert's weights.
func (m *MemoryAdaptor) VerifyWeights() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for l, local := range m.expertMap {
		for e, slot := range local {
			if slot == expertmap.Absent {
				continue
			}
			want := ExpectedWeight(l, e)
			for _, k := range m.opts.Kinds {
				for _, v := range m.slots[l][slot][k] {
					if v != want {
						return errs.ProtocolViolationf(
							"rank %d layer %d expert %d slot %d holds %v, expect %v", m.rank, l, e, slot, v, want)
					}
				}
			}
		}
	}
	return nil
}
