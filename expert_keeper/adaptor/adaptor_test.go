package adaptor

import (
	"testing"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"gotest.tools/assert"
)

func TestWeightKinds(t *testing.T) {
	assert.Equal(t, W13WeightOffset.String(), "w13_weight_offset")
	kinds, err := ParseWeightKinds([]string{"w2_weight", "W13_WEIGHT"})
	assert.NilError(t, err)
	assert.DeepEqual(t, kinds, []WeightKind{W2Weight, W13Weight})

	kinds, err = ParseWeightKinds(nil)
	assert.NilError(t, err)
	assert.Equal(t, len(kinds), int(NumWeightKinds))

	_, err = ParseWeightKinds([]string{"w2_weight", "w2_weight"})
	assert.Assert(t, errs.IsConfiguration(err))
	_, err = ParseWeightKinds([]string{"w3_weight"})
	assert.Assert(t, errs.IsConfiguration(err))
}

func TestCopyWeights(t *testing.T) {
	src := NewExpertWeights([]WeightKind{W13Weight, W2Weight}, 3)
	src.Fill(2)
	dst := NewExpertWeights([]WeightKind{W13Weight, W2Weight}, 3)
	assert.NilError(t, CopyWeights(dst, src))
	assert.DeepEqual(t, dst[W2Weight], []float32{2, 2, 2})
	assert.Assert(t, dst[W2WeightScale] == nil)

	other := NewExpertWeights([]WeightKind{W13Weight}, 3)
	assert.Assert(t, errs.IsProtocolViolation(CopyWeights(other, src)))
}

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(2)
	a, err := pool.Acquire()
	assert.NilError(t, err)
	assert.Equal(t, a, 0)
	b, err := pool.Acquire()
	assert.NilError(t, err)
	assert.Equal(t, b, 1)
	_, err = pool.Acquire()
	assert.Assert(t, errs.IsConfiguration(err))
	assert.Equal(t, pool.InUse(), 2)

	pool.Release(a)
	pool.Release(a)
	assert.Equal(t, pool.InUse(), 1)
	assert.Equal(t, pool.Capacity(), 2)
	c, err := pool.Acquire()
	assert.NilError(t, err)
	assert.Equal(t, c, a)
}

func TestMemoryAdaptor(t *testing.T) {
	initial, err := expertmap.FromDeployment([][][]int{
		{{0, 1}, {2, 3}},
		{{3, 0}, {1, 2}},
	}, 4)
	assert.NilError(t, err)
	m, err := NewMemoryAdaptor(1, initial, MemoryOptions{FirstDenseLayers: 3, BufferTensorNum: 2})
	assert.NilError(t, err)
	assert.Equal(t, m.NumMoeLayers(), 2)
	assert.NilError(t, m.VerifyWeights())

	maps, err := m.InitExpertMap(2)
	assert.NilError(t, err)
	assert.DeepEqual(t, maps[1], []int32{expertmap.Absent, 0, 1, expertmap.Absent})

	w, err := m.ExpertTensor(4, 2)
	assert.NilError(t, err)
	assert.Equal(t, w[W2Weight][0], ExpectedWeight(1, 2))
	_, err = m.ExpertTensor(4, 0)
	assert.Assert(t, errs.IsProtocolViolation(err))
	_, err = m.ExpertTensor(0, 2)
	assert.Assert(t, errs.IsProtocolViolation(err))

	// replace expert 1 of layer 1 with expert 0 received into buffer 1
	buffer, err := m.BufferTensor(1)
	assert.NilError(t, err)
	buffer.Fill(ExpectedWeight(1, 0))
	assert.NilError(t, m.UpdateExpertMap(4, expertmap.LocalMap{0, expertmap.Absent, 1, expertmap.Absent}))
	assert.NilError(t, m.UpdateExpertWeight(4, 0, 1))
	assert.NilError(t, m.VerifyWeights())

	assert.Assert(t, errs.IsProtocolViolation(m.UpdateExpertMap(4, expertmap.LocalMap{5, -1, -1, -1})))
	_, err = m.BufferTensor(2)
	assert.Assert(t, errs.IsConfiguration(err))

	m.RecordRouting(0, []int{2, 2, 3, 9})
	load, err := m.RankWorkload(2)
	assert.NilError(t, err)
	assert.DeepEqual(t, load[0], []float64{0, 0, 2, 1})
	_, err = m.RankWorkload(3)
	assert.Assert(t, errs.IsConfiguration(err))

	assert.NilError(t, m.UpdateLog2PhyMap(3, []int32{0, 1, 2, 3}))
	assert.DeepEqual(t, m.Log2Phy(0), []int32{0, 1, 2, 3})
}
