// Package dutil provides minimal dataset, sampler and data loader utilities
// for batching training samples.
package dutil

import (
	"fmt"
	"math/rand"
	"reflect"
)

// Dataset is an indexed collection of samples.
type Dataset interface {
	// Item returns the sample at idx.
	Item(idx int) (interface{}, error)
	// Len returns the number of samples.
	Len() int
}

// BatchSampler yields batches of dataset indexes.
type BatchSampler struct {
	n         int
	batchSize int
	dropLast  bool
	shuffle   bool
}

// NewBatchSampler creates a BatchSampler over n samples.
func NewBatchSampler(n, batchSize int, dropLast, shuffle bool) (*BatchSampler, error) {
	if n <= 0 {
		return nil, fmt.Errorf("dutil: dataset size must be > 0, got %v", n)
	}
	if batchSize <= 0 || batchSize > n {
		return nil, fmt.Errorf("dutil: batch size must be in [1, %v], got %v", n, batchSize)
	}

	return &BatchSampler{
		n:         n,
		batchSize: batchSize,
		dropLast:  dropLast,
		shuffle:   shuffle,
	}, nil
}

// Batches generates index batches, reshuffled on every call when shuffle is
// set.
func (s *BatchSampler) Batches() [][]int {
	indexes := rand.Perm(s.n)
	if !s.shuffle {
		for i := range indexes {
			indexes[i] = i
		}
	}

	var batches [][]int
	for start := 0; start < s.n; start += s.batchSize {
		end := start + s.batchSize
		if end > s.n {
			if s.dropLast {
				break
			}
			end = s.n
		}
		batches = append(batches, indexes[start:end])
	}

	return batches
}

// BatchCount returns the number of batches per epoch.
func (s *BatchSampler) BatchCount() int {
	if s.dropLast {
		return s.n / s.batchSize
	}
	return (s.n + s.batchSize - 1) / s.batchSize
}

// DataLoader iterates a Dataset in sampler-defined batches. Next returns a
// typed slice of the dataset's item type, e.g. []PairSample.
type DataLoader struct {
	ds      Dataset
	sampler *BatchSampler
	batches [][]int
	cur     int
}

// NewDataLoader creates a DataLoader.
func NewDataLoader(ds Dataset, s *BatchSampler) (*DataLoader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("dutil: empty dataset")
	}
	if s == nil {
		return nil, fmt.Errorf("dutil: nil sampler")
	}

	return &DataLoader{
		ds:      ds,
		sampler: s,
		batches: s.Batches(),
	}, nil
}

// Reset rewinds the loader, resampling batch order.
func (dl *DataLoader) Reset() {
	dl.batches = dl.sampler.Batches()
	dl.cur = 0
}

// HasNext reports whether another batch is available.
func (dl *DataLoader) HasNext() bool {
	return dl.cur < len(dl.batches)
}

// Next returns the next batch as a slice of the dataset's concrete item
// type.
func (dl *DataLoader) Next() (interface{}, error) {
	if !dl.HasNext() {
		return nil, fmt.Errorf("dutil: data loader exhausted")
	}

	indexes := dl.batches[dl.cur]
	dl.cur++

	first, err := dl.ds.Item(indexes[0])
	if err != nil {
		return nil, err
	}
	batch := reflect.MakeSlice(reflect.SliceOf(reflect.TypeOf(first)), 0, len(indexes))
	batch = reflect.Append(batch, reflect.ValueOf(first))
	for _, idx := range indexes[1:] {
		item, err := dl.ds.Item(idx)
		if err != nil {
			return nil, err
		}
		batch = reflect.Append(batch, reflect.ValueOf(item))
	}

	return batch.Interface(), nil
}
