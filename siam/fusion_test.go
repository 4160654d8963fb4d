package siam_test

import (
	"testing"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/ybricard/fccd/siam"
)

// pyramid builds a random feature pyramid with the given per-level channel
// counts, halving spatial size at each level.
func pyramid(channels []int64, batch, size int64) []*ts.Tensor {
	var feats []*ts.Tensor
	res := size
	for _, c := range channels {
		feats = append(feats, ts.MustRand([]int64{batch, c, res, res}, gotch.Float, gotch.CPU))
		res /= 2
	}

	return feats
}

func dropAll(feats []*ts.Tensor) {
	for _, f := range feats {
		f.MustDrop()
	}
}

func maxAbsDiff(a, b *ts.Tensor) float64 {
	diff := a.MustSub(b, false)
	max := diff.MustAbs(true).MustMax(true)
	v := max.Float64Values()[0]
	max.MustDrop()

	return v
}

func TestFuseConcat(t *testing.T) {
	channels := []int64{3, 64, 64, 128, 256, 512}
	t0 := pyramid(channels, 2, 64)
	t1 := pyramid(channels, 2, 64)
	defer dropAll(t0)
	defer dropAll(t1)

	fused := siam.Fuse(siam.FusionConcat, t0, t1)
	defer dropAll(fused)

	if len(fused) != len(channels) {
		t.Fatalf("expected %v fused levels, got %v", len(channels), len(fused))
	}

	// level 0 passes through from T1 unchanged
	if d := maxAbsDiff(fused[0], t1[0]); d != 0 {
		t.Fatalf("fused level 0 differs from T1 level 0 (max abs diff %v)", d)
	}

	for i := 1; i < len(fused); i++ {
		got := fused[i].MustSize()[1]
		want := channels[i] * 2
		if got != want {
			t.Errorf("level %v: expected %v channels, got %v", i, want, got)
		}
	}

	// T1 occupies the leading channel block: order is part of the contract
	head := fused[1].MustNarrow(1, 0, channels[1], false)
	if d := maxAbsDiff(head, t1[1]); d != 0 {
		t.Errorf("concat order violated: leading block is not T1 (max abs diff %v)", d)
	}
	head.MustDrop()
}

func TestFuseDiff(t *testing.T) {
	channels := []int64{3, 64, 64, 128}
	t0 := pyramid(channels, 1, 32)
	t1 := pyramid(channels, 1, 32)
	defer dropAll(t0)
	defer dropAll(t1)

	fused := siam.Fuse(siam.FusionDiff, t0, t1)
	defer dropAll(fused)

	if len(fused) != len(channels) {
		t.Fatalf("expected %v fused levels, got %v", len(channels), len(fused))
	}
	if d := maxAbsDiff(fused[0], t1[0]); d != 0 {
		t.Fatalf("fused level 0 differs from T1 level 0 (max abs diff %v)", d)
	}
	for i := 1; i < len(fused); i++ {
		if got := fused[i].MustSize()[1]; got != channels[i] {
			t.Errorf("level %v: expected %v channels, got %v", i, channels[i], got)
		}
	}
}

// Swapping T0 and T1 negates every fused level >= 1.
func TestFuseDiffAntiSymmetric(t *testing.T) {
	channels := []int64{3, 64, 128}
	t0 := pyramid(channels, 1, 16)
	t1 := pyramid(channels, 1, 16)
	defer dropAll(t0)
	defer dropAll(t1)

	forward := siam.Fuse(siam.FusionDiff, t0, t1)
	backward := siam.Fuse(siam.FusionDiff, t1, t0)
	defer dropAll(forward)
	defer dropAll(backward)

	for i := 1; i < len(forward); i++ {
		neg := backward[i].MustMul1(ts.FloatScalar(-1), false)
		if d := maxAbsDiff(forward[i], neg); d != 0 {
			t.Errorf("level %v not anti-symmetric (max abs diff %v)", i, d)
		}
		neg.MustDrop()
	}
}

func TestFusedChannels(t *testing.T) {
	channels := []int64{3, 64, 64, 128, 256, 512}

	conc := siam.FusedChannels(siam.FusionConcat, channels)
	if conc[0] != 3 {
		t.Errorf("concat level 0 must keep native width, got %v", conc[0])
	}
	for i := 1; i < len(conc); i++ {
		if conc[i] != channels[i]*2 {
			t.Errorf("concat level %v: expected %v, got %v", i, channels[i]*2, conc[i])
		}
	}

	diff := siam.FusedChannels(siam.FusionDiff, channels)
	for i := range diff {
		if diff[i] != channels[i] {
			t.Errorf("diff level %v: expected %v, got %v", i, channels[i], diff[i])
		}
	}
}
