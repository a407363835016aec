package adaptor

import (
	"strings"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
)

type WeightKind int

const (
	W13Weight WeightKind = iota
	W2Weight
	W13WeightScale
	W13WeightOffset
	W2WeightScale
	W2WeightOffset
	NumWeightKinds
)

var weightKindNames = [NumWeightKinds]string{
	"w13_weight",
	"w2_weight",
	"w13_weight_scale",
	"w13_weight_offset",
	"w2_weight_scale",
	"w2_weight_offset",
}

// AllWeightKinds is the quantized set carried by every expert of a w8a8 model.
var AllWeightKinds = []WeightKind{
	W13Weight, W2Weight, W13WeightScale, W13WeightOffset, W2WeightScale, W2WeightOffset,
}

func (k WeightKind) String() string {
	if k < 0 || k >= NumWeightKinds {
		return "unknown"
	}
	return weightKindNames[k]
}

func ParseWeightKind(name string) (WeightKind, error) {
	for i, n := range weightKindNames {
		if strings.EqualFold(n, name) {
			return WeightKind(i), nil
		}
	}
	return NumWeightKinds, errs.Configurationf("unknown weight kind %q", name)
}

func ParseWeightKinds(names []string) ([]WeightKind, error) {
	if len(names) == 0 {
		return AllWeightKinds, nil
	}
	seen := map[WeightKind]bool{}
	var output []WeightKind
	for _, name := range names {
		kind, err := ParseWeightKind(name)
		if err != nil {
			return nil, err
		}
		if seen[kind] {
			return nil, errs.Configurationf("weight kind %s listed twice", kind)
		}
		seen[kind] = true
		output = append(output, kind)
	}
	return output, nil
}

// ExpertWeights holds one expert's tensors by kind. Kinds the model doesn't
// carry are nil.
type ExpertWeights [NumWeightKinds][]float32

func NewExpertWeights(kinds []WeightKind, size int) ExpertWeights {
	var output ExpertWeights
	for _, k := range kinds {
		output[k] = make([]float32, size)
	}
	return output
}

func (w *ExpertWeights) Fill(v float32) {
	for k := range w {
		for i := range w[k] {
			w[k][i] = v
		}
	}
}

// CopyWeights copies every kind of src into dst. Both must carry the same
// kinds with the same sizes.
func CopyWeights(dst, src ExpertWeights) error {
	for k := WeightKind(0); k < NumWeightKinds; k++ {
		if len(dst[k]) != len(src[k]) {
			return errs.ProtocolViolationf("%s size mismatch: %d vs %d", k, len(dst[k]), len(src[k]))
		}
		copy(dst[k], src[k])
	}
	return nil
}
