package encoder_test

import (
	"reflect"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/ybricard/fccd/encoder"
)

func TestResNet34Pyramid(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc, err := encoder.New("resnet34", vs.Root(), encoder.Config{})
	if err != nil {
		t.Fatal(err)
	}

	wantChannels := []int64{3, 64, 64, 128, 256, 512}
	if got := enc.OutChannels(); !reflect.DeepEqual(got, wantChannels) {
		t.Fatalf("expected out channels %v, got %v", wantChannels, got)
	}

	x := ts.MustRand([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU)
	defer x.MustDrop()

	features := enc.ForwardAll(x, false)
	defer func() {
		for _, f := range features {
			f.MustDrop()
		}
	}()

	wantShapes := [][]int64{
		{1, 3, 64, 64},
		{1, 64, 32, 32},
		{1, 64, 16, 16},
		{1, 128, 8, 8},
		{1, 256, 4, 4},
		{1, 512, 2, 2},
	}
	if len(features) != len(wantShapes) {
		t.Fatalf("expected %v pyramid levels, got %v", len(wantShapes), len(features))
	}
	for i, want := range wantShapes {
		if got := features[i].MustSize(); !reflect.DeepEqual(got, want) {
			t.Errorf("level %v: expected shape %v, got %v", i, want, got)
		}
	}
}

func TestShallowDepth(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc, err := encoder.New("resnet18", vs.Root(), encoder.Config{Depth: 3, InChannels: 4})
	if err != nil {
		t.Fatal(err)
	}

	wantChannels := []int64{4, 64, 64, 128}
	if got := enc.OutChannels(); !reflect.DeepEqual(got, wantChannels) {
		t.Fatalf("expected out channels %v, got %v", wantChannels, got)
	}

	x := ts.MustRand([]int64{1, 4, 32, 32}, gotch.Float, gotch.CPU)
	defer x.MustDrop()

	features := enc.ForwardAll(x, false)
	if len(features) != 4 {
		t.Fatalf("expected 4 pyramid levels, got %v", len(features))
	}
	for _, f := range features {
		f.MustDrop()
	}
}

func TestUnknownEncoder(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	if _, err := encoder.New("mobilenet", vs.Root(), encoder.Config{}); err == nil {
		t.Fatal("expected error for unknown encoder name")
	}
}

func TestBadDepth(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	for _, depth := range []int64{1, 2, 6} {
		if _, err := encoder.New("resnet34", vs.Root(), encoder.Config{Depth: depth}); err == nil {
			t.Errorf("expected error for depth %v", depth)
		}
	}
}
