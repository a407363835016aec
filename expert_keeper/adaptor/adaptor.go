// Package adaptor is the boundary between the rebalancer and the model
// runtime that owns the expert tensors.
package adaptor

import (
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
)

// WeightAdaptor gives access to a rank's expert tensors and routing maps.
// Layer ids passed to the per layer methods are model layer ids, i.e. they
// include the leading dense layers.
type WeightAdaptor interface {
	NumMoeLayers() int
	ExpertTensor(layer, logicalExpert int) (ExpertWeights, error)
	BufferTensor(bufferID int) (ExpertWeights, error)
	Copy(dst, src ExpertWeights) error
	// RankWorkload is this rank's [moe layer][expert] routed token count.
	RankWorkload(numLayers int) ([][]float64, error)
	// InitExpertMap is this rank's [moe layer][expert] local slot map.
	InitExpertMap(numLayers int) ([][]int32, error)
	UpdateExpertMap(layer int, m expertmap.LocalMap) error
	UpdateLog2PhyMap(layer int, m []int32) error
	// UpdateExpertWeight copies a buffer into the slot the current expert map
	// assigns to logicalExpert.
	UpdateExpertWeight(layer, logicalExpert, bufferID int) error
}
