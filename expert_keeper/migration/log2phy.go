package migration

import (
	"math/rand"
	"strings"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
)

// Log2PhyPolicy picks the replica a rank reads an expert it doesn't host from.
type Log2PhyPolicy int

const (
	PolicyRandom Log2PhyPolicy = iota
	PolicyFirst
	PolicyRoundRobin
)

var policyNames = []string{"random", "first", "round_robin"}

func (p Log2PhyPolicy) String() string {
	if p < PolicyRandom || p > PolicyRoundRobin {
		return "unknown"
	}
	return policyNames[p]
}

func ParsePolicy(name string) (Log2PhyPolicy, error) {
	if name == "" {
		return PolicyRandom, nil
	}
	for i, n := range policyNames {
		if strings.EqualFold(name, n) {
			return Log2PhyPolicy(i), nil
		}
	}
	return PolicyRandom, errs.Configurationf("unknown log2phy policy %q, expect one of %v", name, policyNames)
}

func (p Log2PhyPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Log2PhyPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// BuildLog2Phy resolves every (rank, expert) of layer to a physical replica.
// A rank hosting the expert always reads its own copy. rng is only used by
// PolicyRandom; a nil rng falls back to PolicyFirst.
func BuildLog2Phy(layer expertmap.LayerMap, policy Log2PhyPolicy, rng *rand.Rand) expertmap.Log2Phy {
	stride := layer.SlotsPerDevice()
	experts := 0
	if len(layer) > 0 {
		experts = len(layer[0])
	}
	holders := make([][]int32, experts)
	for e := 0; e < experts; e++ {
		for _, d := range layer.Holders(e) {
			holders[e] = append(holders[e], expertmap.PhysicalIndex(d, layer[d][e], stride))
		}
	}

	output := make(expertmap.Log2Phy, len(layer))
	for rank, local := range layer {
		row := make([]int32, experts)
		for e := 0; e < experts; e++ {
			if local[e] != expertmap.Absent {
				row[e] = expertmap.PhysicalIndex(rank, local[e], stride)
				continue
			}
			candidates := holders[e]
			if len(candidates) == 0 {
				row[e] = expertmap.Absent
				continue
			}
			switch {
			case policy == PolicyRandom && rng != nil:
				row[e] = candidates[rng.Intn(len(candidates))]
			case policy == PolicyRoundRobin:
				row[e] = candidates[rank%len(candidates)]
			default:
				row[e] = candidates[0]
			}
		}
		output[rank] = row
	}
	return output
}
