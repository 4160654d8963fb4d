package dutil_test

import (
	"fmt"
	"testing"

	"github.com/ybricard/fccd/dutil"
)

type intDataset struct {
	n int
}

func (d intDataset) Item(idx int) (interface{}, error) {
	if idx < 0 || idx >= d.n {
		return nil, fmt.Errorf("index %v out of range", idx)
	}
	return idx * 10, nil
}

func (d intDataset) Len() int { return d.n }

func TestBatchSamplerCount(t *testing.T) {
	cases := []struct {
		n, batchSize int
		dropLast     bool
		want         int
	}{
		{10, 4, false, 3},
		{10, 4, true, 2},
		{8, 4, false, 2},
		{8, 4, true, 2},
		{3, 3, false, 1},
	}

	for _, c := range cases {
		s, err := dutil.NewBatchSampler(c.n, c.batchSize, c.dropLast, false)
		if err != nil {
			t.Fatal(err)
		}
		if got := s.BatchCount(); got != c.want {
			t.Errorf("n=%v batch=%v dropLast=%v: expected %v batches, got %v", c.n, c.batchSize, c.dropLast, c.want, got)
		}
		if got := len(s.Batches()); got != c.want {
			t.Errorf("n=%v batch=%v dropLast=%v: Batches() yielded %v, expected %v", c.n, c.batchSize, c.dropLast, got, c.want)
		}
	}
}

func TestBatchSamplerSequentialOrder(t *testing.T) {
	s, err := dutil.NewBatchSampler(7, 3, false, false)
	if err != nil {
		t.Fatal(err)
	}

	var flat []int
	for _, b := range s.Batches() {
		flat = append(flat, b...)
	}
	if len(flat) != 7 {
		t.Fatalf("expected all 7 indexes, got %v", len(flat))
	}
	for i, idx := range flat {
		if idx != i {
			t.Fatalf("expected sequential order without shuffle, got %v at position %v", idx, i)
		}
	}
}

func TestBatchSamplerShuffleCoversAll(t *testing.T) {
	s, err := dutil.NewBatchSampler(16, 4, false, true)
	if err != nil {
		t.Fatal(err)
	}

	seen := map[int]bool{}
	for _, b := range s.Batches() {
		for _, idx := range b {
			if seen[idx] {
				t.Fatalf("index %v sampled twice", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != 16 {
		t.Fatalf("expected 16 distinct indexes, got %v", len(seen))
	}
}

func TestBatchSamplerInvalid(t *testing.T) {
	if _, err := dutil.NewBatchSampler(0, 1, false, false); err == nil {
		t.Error("expected error for empty dataset")
	}
	if _, err := dutil.NewBatchSampler(4, 5, false, false); err == nil {
		t.Error("expected error for batch size larger than dataset")
	}
	if _, err := dutil.NewBatchSampler(4, 0, false, false); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestDataLoaderTypedBatches(t *testing.T) {
	ds := intDataset{n: 5}
	s, err := dutil.NewBatchSampler(ds.Len(), 2, false, false)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := dutil.NewDataLoader(ds, s)
	if err != nil {
		t.Fatal(err)
	}

	var got []int
	batches := 0
	for dl.HasNext() {
		raw, err := dl.Next()
		if err != nil {
			t.Fatal(err)
		}
		batch, ok := raw.([]int)
		if !ok {
			t.Fatalf("expected []int batch, got %T", raw)
		}
		got = append(got, batch...)
		batches++
	}

	if batches != 3 {
		t.Fatalf("expected 3 batches, got %v", batches)
	}
	want := []int{0, 10, 20, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("expected %v items, got %v", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected item %v at %v, got %v", want[i], i, got[i])
		}
	}

	if _, err := dl.Next(); err == nil {
		t.Fatal("expected error from exhausted loader")
	}

	dl.Reset()
	if !dl.HasNext() {
		t.Fatal("expected batches after Reset")
	}
}
