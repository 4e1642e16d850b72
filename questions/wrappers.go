package questions

import (
	"io"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Accumulated fuses every k consecutive micro-batches of ds into one batch,
// so each optimizer step sees the full gradient-accumulation window. The
// averaged gradient over the fused batch equals accumulating k micro-batch
// gradients; bookkeeping elsewhere stays in micro-batch units.
func Accumulated(ds train.Dataset, k int) train.Dataset {
	if k <= 1 {
		return ds
	}
	return &accumulated{ds: ds, k: k}
}

type accumulated struct {
	ds train.Dataset
	k  int

	// endOfPass is latched when the underlying pass ends mid-window, so the
	// leftover batch is still followed by an io.EOF before a new pass starts.
	endOfPass bool
}

func (a *accumulated) Name() string { return a.ds.Name() }

func (a *accumulated) Reset() {
	a.endOfPass = false
	a.ds.Reset()
}

func (a *accumulated) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if a.endOfPass {
		a.endOfPass = false
		return nil, nil, nil, io.EOF
	}
	var inputParts, labelParts [][]*tensors.Tensor
	for range a.k {
		microSpec, microInputs, microLabels, err := a.ds.Yield()
		if err == io.EOF {
			a.endOfPass = true
			break
		}
		if err != nil {
			return nil, nil, nil, err
		}
		spec = microSpec
		inputParts = append(inputParts, microInputs)
		labelParts = append(labelParts, microLabels)
	}
	if len(inputParts) == 0 {
		a.endOfPass = false
		return nil, nil, nil, io.EOF
	}
	if len(inputParts) == 1 {
		return spec, inputParts[0], labelParts[0], nil
	}
	inputs, err = concatBatches(inputParts)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, err = concatBatches(labelParts)
	if err != nil {
		return nil, nil, nil, err
	}
	return spec, inputs, labels, nil
}

// concatBatches concatenates the i-th tensor of every part along axis 0.
func concatBatches(parts [][]*tensors.Tensor) ([]*tensors.Tensor, error) {
	numTensors := len(parts[0])
	results := make([]*tensors.Tensor, numTensors)
	for tensorIdx := range numTensors {
		columns := make([]*tensors.Tensor, 0, len(parts))
		for _, part := range parts {
			columns = append(columns, part[tensorIdx])
		}
		combined, err := concatAxis0(columns)
		if err != nil {
			return nil, err
		}
		results[tensorIdx] = combined
	}
	return results, nil
}

func concatAxis0(columns []*tensors.Tensor) (*tensors.Tensor, error) {
	shape := columns[0].Shape()
	dims := append([]int(nil), shape.Dimensions...)
	dims[0] = 0
	for _, column := range columns {
		dims[0] += column.Shape().Dim(0)
	}
	switch shape.DType {
	case dtypes.Int32:
		return concatFlat[int32](columns, dims), nil
	case dtypes.Float32:
		return concatFlat[float32](columns, dims), nil
	}
	return nil, errors.Errorf("cannot fuse micro-batches of dtype %s", shape.DType)
}

func concatFlat[T int32 | float32](columns []*tensors.Tensor, dims []int) *tensors.Tensor {
	var flat []T
	for _, column := range columns {
		tensors.ConstFlatData(column, func(data []T) {
			flat = append(flat, data...)
		})
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// Looping makes a finite dataset endless by resetting it whenever a pass
// finishes, which is what train.Loop.RunSteps expects.
func Looping(ds train.Dataset) train.Dataset {
	return &looping{ds: ds}
}

type looping struct {
	ds train.Dataset
}

func (l *looping) Name() string { return l.ds.Name() }
func (l *looping) Reset()       { l.ds.Reset() }

func (l *looping) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = l.ds.Yield()
	if err == io.EOF {
		l.ds.Reset()
		spec, inputs, labels, err = l.ds.Yield()
	}
	return
}
