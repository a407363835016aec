package expertmap

import (
	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
)

// Log2Phy maps, per rank, a logical expert to the global physical replica the
// rank routes it to. A physical index is device*slotsPerDevice + slot.
type Log2Phy [][]int32

func PhysicalIndex(device int, slot int32, slotsPerDevice int) int32 {
	return int32(device*slotsPerDevice) + slot
}

func ResolvePhysical(phys int32, slotsPerDevice int) (device int, slot int32) {
	return int(phys) / slotsPerDevice, phys % int32(slotsPerDevice)
}

// Resolve returns the device and slot rank reads expert from. The device is
// not necessarily rank itself.
func (p Log2Phy) Resolve(rank, expert, slotsPerDevice int) (int, int32) {
	return ResolvePhysical(p[rank][expert], slotsPerDevice)
}

func (p Log2Phy) Clone() Log2Phy {
	output := make(Log2Phy, len(p))
	for r, row := range p {
		output[r] = append([]int32{}, row...)
	}
	return output
}

// Validate checks every entry points at a replica of the right expert, and
// ranks hosting an expert read their own copy.
func (p Log2Phy) Validate(layer LayerMap) error {
	slots := layer.SlotsPerDevice()
	if len(p) != len(layer) {
		return errs.ProtocolViolationf("log2phy has %d ranks, layer map %d", len(p), len(layer))
	}
	for rank, row := range p {
		for e, phys := range row {
			if phys < 0 || slots == 0 {
				return errs.ProtocolViolationf("rank %d expert %d has no replica", rank, e)
			}
			device, slot := ResolvePhysical(phys, slots)
			if device >= len(layer) || layer[device][e] != slot {
				return errs.ProtocolViolationf(
					"rank %d expert %d resolves to device %d slot %d which doesn't host it", rank, e, device, slot)
			}
			if layer[rank][e] != Absent && device != rank {
				return errs.ProtocolViolationf("rank %d hosts expert %d but reads it from device %d", rank, e, device)
			}
		}
	}
	return nil
}
