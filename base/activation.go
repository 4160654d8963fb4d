package base

import (
	"fmt"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// Activation is a final activation applied on model logits.
type Activation func(x *ts.Tensor) *ts.Tensor

// NewActivation resolves an activation function by name. Supported names:
// "" / "identity", "sigmoid", "softmax", "logsoftmax" and "tanh". Softmax
// variants operate on the channel dimension.
func NewActivation(name string) (Activation, error) {
	switch name {
	case "", "identity":
		return func(x *ts.Tensor) *ts.Tensor {
			return x.MustShallowClone()
		}, nil
	case "sigmoid":
		return func(x *ts.Tensor) *ts.Tensor {
			return x.MustSigmoid(false)
		}, nil
	case "softmax":
		return func(x *ts.Tensor) *ts.Tensor {
			return x.MustSoftmax(1, gotch.Float, false)
		}, nil
	case "logsoftmax":
		return func(x *ts.Tensor) *ts.Tensor {
			return x.MustLogSoftmax(1, gotch.Float, false)
		}, nil
	case "tanh":
		return func(x *ts.Tensor) *ts.Tensor {
			return x.MustTanh(false)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported activation: %q", name)
	}
}
