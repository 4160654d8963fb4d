package siam

import (
	"log"
	"reflect"

	ts "github.com/sugarme/gotch/tensor"
)

// FusionMode selects the per-level rule combining two time-aligned feature
// pyramids into one.
type FusionMode int

const (
	// FusionConcat joins corresponding levels along the channel dimension,
	// T1 first. Channel width doubles at every fused level.
	FusionConcat FusionMode = iota
	// FusionDiff replaces fused levels with the elementwise residual T1 - T0.
	// Channel width is preserved; new structures read positive, removed
	// structures negative.
	FusionDiff
)

func (m FusionMode) String() string {
	switch m {
	case FusionConcat:
		return "concat"
	case FusionDiff:
		return "diff"
	default:
		return "unknown"
	}
}

// Fuse combines two feature pyramids of the same encoder into one. Level 0
// is passed through from t1 unfused; levels >= 1 follow the mode's rule.
// Pyramids of differing level count or shape are a fatal error: both branches
// share one encoder, so a mismatch means the model was miswired.
func Fuse(mode FusionMode, t0, t1 []*ts.Tensor) []*ts.Tensor {
	validatePyramids(t0, t1)

	fused := []*ts.Tensor{t1[0].MustDetach(false)}
	for i := 1; i < len(t1); i++ {
		switch mode {
		case FusionConcat:
			fused = append(fused, ts.MustCat([]ts.Tensor{*t1[i], *t0[i]}, 1))
		case FusionDiff:
			fused = append(fused, t1[i].MustSub(t0[i], false))
		default:
			log.Fatalf("invalid fusion mode: %v", int(mode))
		}
	}

	return fused
}

// FusedChannels returns the channel counts of a fused pyramid given encoder
// output channels. The decoder consuming a concat-fused pyramid must be
// built against these widths.
func FusedChannels(mode FusionMode, outChannels []int64) []int64 {
	fused := make([]int64, len(outChannels))
	copy(fused, outChannels)
	if mode == FusionConcat {
		for i := 1; i < len(fused); i++ {
			fused[i] *= 2
		}
	}

	return fused
}

func validatePyramids(t0, t1 []*ts.Tensor) {
	if len(t0) != len(t1) {
		log.Fatalf("feature pyramid mismatch: %v levels vs %v levels", len(t0), len(t1))
	}
	for i := range t0 {
		s0 := t0[i].MustSize()
		s1 := t1[i].MustSize()
		if !reflect.DeepEqual(s0, s1) {
			log.Fatalf("feature pyramid mismatch at level %v: %v vs %v", i, s0, s1)
		}
	}
}
