// Package expertmap describes where the physical copies of logical experts
// live. A map entry is the local slot of an expert on a device, or Absent.
package expertmap

import (
	"fmt"
	"sort"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
)

const Absent int32 = -1

// LocalMap is one device's view of one layer: logical expert -> local slot.
type LocalMap []int32

// LayerMap is every device's LocalMap of one layer, indexed [device][expert].
type LayerMap [][]int32

// GlobalMap is the gathered view of all layers, indexed [layer][device][expert].
type GlobalMap []LayerMap

func NewLocalMap(experts int) LocalMap {
	output := make(LocalMap, experts)
	for i := range output {
		output[i] = Absent
	}
	return output
}

func (m LocalMap) Hosts(expert int) bool {
	return expert >= 0 && expert < len(m) && m[expert] != Absent
}

// Slots returns the number of experts hosted.
func (m LocalMap) Slots() int {
	count := 0
	for _, slot := range m {
		if slot != Absent {
			count++
		}
	}
	return count
}

// Experts lists hosted logical experts ordered by local slot.
func (m LocalMap) Experts() []int {
	var output []int
	for e, slot := range m {
		if slot != Absent {
			output = append(output, e)
		}
	}
	sort.Slice(output, func(i, j int) bool { return m[output[i]] < m[output[j]] })
	return output
}

// ExpertAt returns the logical expert occupying slot, or -1.
func (m LocalMap) ExpertAt(slot int32) int {
	for e, s := range m {
		if s == slot {
			return e
		}
	}
	return -1
}

func (m LocalMap) Clone() LocalMap {
	return append(LocalMap{}, m...)
}

func (m LocalMap) Equal(other LocalMap) bool {
	if len(m) != len(other) {
		return false
	}
	for e := range m {
		if m[e] != other[e] {
			return false
		}
	}
	return true
}

func (l LayerMap) Devices() int {
	return len(l)
}

// Holders lists the devices hosting expert, in device order.
func (l LayerMap) Holders(expert int) []int {
	var output []int
	for d, local := range l {
		if LocalMap(local).Hosts(expert) {
			output = append(output, d)
		}
	}
	return output
}

// SlotsPerDevice is the stride of physical replica indexes: one past the
// highest slot used on any device. Slots left free by a migration keep their
// position, so a device may have holes below the stride.
func (l LayerMap) SlotsPerDevice() int {
	output := 0
	for _, local := range l {
		for _, slot := range local {
			if int(slot)+1 > output {
				output = int(slot) + 1
			}
		}
	}
	return output
}

func (l LayerMap) Clone() LayerMap {
	output := make(LayerMap, len(l))
	for d, local := range l {
		output[d] = append([]int32{}, local...)
	}
	return output
}

func (l LayerMap) Equal(other LayerMap) bool {
	if len(l) != len(other) {
		return false
	}
	for d := range l {
		if len(l[d]) != len(other[d]) {
			return false
		}
		for e := range l[d] {
			if l[d][e] != other[d][e] {
				return false
			}
		}
	}
	return true
}

// Boxes returns every device's hosted experts ordered by slot.
func (l LayerMap) Boxes() [][]int {
	output := make([][]int, len(l))
	for d, local := range l {
		output[d] = LocalMap(local).Experts()
	}
	return output
}

// Validate checks slots are unique per device and every logical
// expert has at least one physical copy.
func (l LayerMap) Validate(experts int) error {
	if len(l) == 0 {
		return errs.Configurationf("layer map has no device")
	}
	covered := make([]bool, experts)
	for d, local := range l {
		if len(local) != experts {
			return errs.Configurationf("device %d maps %d experts, expect %d", d, len(local), experts)
		}
		used := map[int32]int{}
		for e, slot := range local {
			if slot == Absent {
				continue
			}
			if slot < 0 {
				return errs.ProtocolViolationf("device %d expert %d has negative slot %d", d, e, slot)
			}
			if prev, ok := used[slot]; ok {
				return errs.ProtocolViolationf("device %d slot %d used by expert %d and %d", d, slot, prev, e)
			}
			used[slot] = e
			covered[e] = true
		}
	}
	for e, ok := range covered {
		if !ok {
			return errs.ProtocolViolationf("logical expert %d has no physical replica", e)
		}
	}
	return nil
}

// LayerFromBoxes builds a layer map where slot i of a device holds boxes[d][i].
func LayerFromBoxes(boxes [][]int, experts int) (LayerMap, error) {
	output := make(LayerMap, len(boxes))
	for d, box := range boxes {
		local := NewLocalMap(experts)
		for slot, e := range box {
			if e < 0 || e >= experts {
				return nil, errs.Configurationf("device %d holds expert %d outside [0, %d)", d, e, experts)
			}
			if local[e] != Absent {
				return nil, errs.ProtocolViolationf("device %d holds expert %d twice", d, e)
			}
			local[e] = int32(slot)
		}
		output[d] = local
	}
	return output, nil
}

// FromDeployment converts a [layer][device][]expert deployment.
func FromDeployment(deployment [][][]int, experts int) (GlobalMap, error) {
	output := make(GlobalMap, len(deployment))
	for l, boxes := range deployment {
		layer, err := LayerFromBoxes(boxes, experts)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
		output[l] = layer
	}
	return output, nil
}

func (g GlobalMap) Layers() int {
	return len(g)
}

func (g GlobalMap) Devices() int {
	if len(g) == 0 {
		return 0
	}
	return len(g[0])
}

func (g GlobalMap) Experts() int {
	if len(g) == 0 || len(g[0]) == 0 {
		return 0
	}
	return len(g[0][0])
}

func (g GlobalMap) Layer(l int) LayerMap {
	return g[l]
}

func (g GlobalMap) Device(l, d int) LocalMap {
	return g[l][d]
}

func (g GlobalMap) Hosts(l, d, expert int) bool {
	return g.Device(l, d).Hosts(expert)
}

// Holders lists the devices hosting expert in layer l.
func (g GlobalMap) Holders(l, expert int) []int {
	return g[l].Holders(expert)
}

func (g GlobalMap) Deployment() [][][]int {
	output := make([][][]int, len(g))
	for l, layer := range g {
		output[l] = layer.Boxes()
	}
	return output
}

func (g GlobalMap) Clone() GlobalMap {
	output := make(GlobalMap, len(g))
	for l, layer := range g {
		output[l] = layer.Clone()
	}
	return output
}

func (g GlobalMap) Validate() error {
	experts := g.Experts()
	for l, layer := range g {
		if len(layer) != g.Devices() {
			return errs.Configurationf("layer %d has %d devices, expect %d", l, len(layer), g.Devices())
		}
		if err := layer.Validate(experts); err != nil {
			return fmt.Errorf("layer %d: %w", l, err)
		}
	}
	return nil
}

// FromRankMaps stacks per-rank [layer][expert] maps, as produced by an all
// gather of every rank's local view, into a GlobalMap.
func FromRankMaps(ranks [][][]int32) (GlobalMap, error) {
	if len(ranks) == 0 {
		return nil, errs.Configurationf("no rank map")
	}
	layers := len(ranks[0])
	output := make(GlobalMap, layers)
	for l := 0; l < layers; l++ {
		output[l] = make(LayerMap, len(ranks))
		for r, rankMap := range ranks {
			if len(rankMap) != layers {
				return nil, errs.ProtocolViolationf("rank %d reports %d layers, expect %d", r, len(rankMap), layers)
			}
			output[l][r] = append([]int32{}, rankMap[l]...)
		}
	}
	return output, output.Validate()
}
