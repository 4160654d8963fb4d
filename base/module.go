package base

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Norm modes accepted by decoder conv blocks. "inplace" is accepted for
// parity with upstream configurations and behaves as plain batchnorm.
const (
	NormBatch   = "batchnorm"
	NormNone    = "none"
	NormInplace = "inplace"
)

// Identity is a nn.Module placeholder.
// It forwards the input tensor as such.
type Identity struct{}

// Forward implement nn.Module for Identity struct
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustShallowClone()
}

// ForwardT implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// SCSE is concurrent spatial and channel squeeze and excitement module.
// Ref. https://arxiv.org/abs/1808.08127
type SCSE struct {
	cSE *nn.SequentialT
	sSE *nn.SequentialT
}

// ForwardT implement ts.ModuleT for SCSE struct.
func (m *SCSE) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	cse := m.cSE.ForwardT(x, train)
	sse := m.sSE.ForwardT(x, train)
	cmul := x.MustMul(cse, false)
	smul := x.MustMul(sse, false)
	res := cmul.MustAdd(smul, false)

	cse.MustDrop()
	sse.MustDrop()
	cmul.MustDrop()
	smul.MustDrop()

	return res
}

// NewSCSE creates new SCSE.
func NewSCSE(p *nn.Path, cIn int64, reductionOpt ...int64) *SCSE {
	var reduction int64 = 16
	if len(reductionOpt) > 0 {
		reduction = reductionOpt[0]
	}
	if cIn/reduction < 1 {
		reduction = cIn
	}

	// Channel squeeze excite
	chanSeq := nn.SeqT()
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustAdaptiveAvgPool2d([]int64{1, 1}, false)
	}))
	chanSeq.Add(Conv2d(p.Sub("sqzconv1"), cIn, cIn/reduction, 1, 0, 1))
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	chanSeq.Add(Conv2d(p.Sub("sqzconv2"), cIn/reduction, cIn, 1, 0, 1))
	chanSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustSigmoid(false)
	}))

	// Spatial squeeze excite
	spatSeq := nn.SeqT()
	spatSeq.Add(Conv2d(p.Sub("spatconv"), cIn, 1, 1, 0, 1))
	spatSeq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustSigmoid(false)
	}))

	return &SCSE{
		cSE: chanSeq,
		sSE: spatSeq,
	}
}

// Attention wraps an optional attention module, defaulting to Identity.
type Attention struct {
	attn ts.ModuleT
}

func (a *Attention) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return a.attn.ForwardT(x, train)
}

// NewAttention creates an Attention module by name. Supported names are
// "" / "identity" and "scse".
func NewAttention(p *nn.Path, name string, cIn int64) (*Attention, error) {
	switch name {
	case "", "identity":
		return &Attention{NewIdentity()}, nil
	case "scse":
		return &Attention{NewSCSE(p, cIn)}, nil
	default:
		return nil, fmt.Errorf("unsupported attention type: %q", name)
	}
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNormRelu creates a SequentialT composed of Conv2D, an optional
// BatchNorm and a ReLU activation. normMode is one of NormBatch, NormNone,
// NormInplace.
func Conv2dNormRelu(p *nn.Path, cIn, cOut, ksize, padding, stride int64, normMode string) *nn.SequentialT {
	seq := nn.SeqT()
	switch normMode {
	case NormNone:
		// bias stays on when there is no norm layer to absorb it
		seq.Add(Conv2d(p.Sub("conv"), cIn, cOut, ksize, padding, stride))
	default:
		bnConfig := nn.DefaultBatchNormConfig()
		bnConfig.Eps = 0.001
		seq.Add(Conv2dNoBias(p.Sub("conv"), cIn, cOut, ksize, padding, stride))
		seq.Add(nn.BatchNorm2D(p.Sub("bn"), cOut, bnConfig))
	}
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return seq
}
