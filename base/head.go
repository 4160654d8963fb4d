package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// SegmentationHead projects decoder output channels to class channels and
// applies an optional final activation.
type SegmentationHead struct {
	conv       *nn.Conv2D
	activation Activation
}

// NewSegmentationHead creates a new SegmentationHead. activation may be nil
// in which case logits are returned unchanged.
func NewSegmentationHead(p *nn.Path, cIn, cOut, ksize int64, activation Activation) *SegmentationHead {
	return &SegmentationHead{
		conv:       Conv2d(p, cIn, cOut, ksize, ksize/2, 1),
		activation: activation,
	}
}

// ForwardT implements ts.ModuleT for SegmentationHead.
func (h *SegmentationHead) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	logit := h.conv.ForwardT(x, train)
	if h.activation == nil {
		return logit
	}

	out := h.activation(logit)
	logit.MustDrop()
	return out
}
