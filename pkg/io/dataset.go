package io

import (
	"math/rand"
)

// DataSet is an ordered view over case names, iterated in batches.
type DataSet struct {
	Cases        []string
	BatchSize    int
	Rand         *rand.Rand
	dataIndices  []int
	currentOrder []int
	currentIndex int
}

type DatasetOrder int

const (
	OriginalOrder DatasetOrder = iota
	RandomOrder
)

func (d *DataSet) ResetOrder(order DatasetOrder) {
	if d.currentOrder == nil {
		d.currentOrder = make([]int, len(d.dataIndices))
	}
	switch order {
	case OriginalOrder:
		copy(d.currentOrder, d.dataIndices)
	case RandomOrder:
		ind := d.Rand.Perm(len(d.currentOrder))
		for i := range ind {
			d.currentOrder[i] = d.dataIndices[ind[i]]
		}
	}

	d.currentIndex = 0
}

// Next returns the names of the next batch, empty when the pass is over.
func (d *DataSet) Next() []string {
	batch := make([]string, 0, d.BatchSize)
	for ; d.currentIndex < len(d.currentOrder) && len(batch) < d.BatchSize; d.currentIndex++ {
		batch = append(batch, d.Cases[d.currentOrder[d.currentIndex]])
	}
	return batch
}

func (d *DataSet) Size() int {
	return len(d.dataIndices)
}

// NumBatches is the number of batches of one pass, the last one possibly short.
func (d *DataSet) NumBatches() int {
	if d.BatchSize <= 0 {
		return 0
	}
	return (d.Size() + d.BatchSize - 1) / d.BatchSize
}

// Names returns the case names of the set in original order.
func (d *DataSet) Names() []string {
	names := make([]string, len(d.dataIndices))
	for i, idx := range d.dataIndices {
		names[i] = d.Cases[idx]
	}
	return names
}

func NewDataSet(cases []string, batchSize int) *DataSet {
	dataIndices := make([]int, len(cases))
	for i := range dataIndices {
		dataIndices[i] = i
	}
	ds := &DataSet{Cases: cases, BatchSize: batchSize, dataIndices: dataIndices}
	ds.ResetOrder(OriginalOrder)
	return ds
}

func NewDataSetSplit(cases []string, batchSize int, indices []int) *DataSet {
	ds := &DataSet{
		Cases: cases, BatchSize: batchSize, dataIndices: indices}
	ds.ResetOrder(OriginalOrder)
	return ds
}

func (d *DataSet) shuffledIndices() []int {
	indices := make([]int, len(d.dataIndices))
	copy(indices, d.dataIndices)
	d.Rand.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	return indices
}

// KFold shuffles the set once and cuts it into nFolds contiguous folds, the
// first len%nFolds folds holding one extra case. It returns the union of the
// other folds as training set and fold as validation set.
func (d *DataSet) KFold(nFolds, fold int) (train, val *DataSet) {
	indices := d.shuffledIndices()
	n := len(indices)
	start := 0
	for k := 0; k < fold; k++ {
		start += foldSize(n, nFolds, k)
	}
	end := start + foldSize(n, nFolds, fold)

	valIndices := append([]int(nil), indices[start:end]...)
	trainIndices := append(append([]int(nil), indices[:start]...), indices[end:]...)
	return NewDataSetSplit(d.Cases, d.BatchSize, trainIndices), NewDataSetSplit(d.Cases, d.BatchSize, valIndices)
}

func foldSize(n, nFolds, k int) int {
	size := n / nFolds
	if k < n%nFolds {
		size++
	}
	return size
}
