package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// ResNetEncoder is a ResNet backbone exposed as a feature pyramid. Stage
// layout (depth 5): input passthrough, conv1+bn+relu (1/2), maxpool+layer1
// (1/4), layer2 (1/8), layer3 (1/16), layer4 (1/32). A smaller depth drops
// the deepest stages.
type ResNetEncoder struct {
	stages      []ts.ModuleT
	outChannels []int64
}

var resnetStageChannels = []int64{64, 64, 128, 256, 512}

func newResNetEncoder(p *nn.Path, cfg Config, blockCounts []int64) *ResNetEncoder {
	builders := []func() ts.ModuleT{
		func() ts.ModuleT { return stemLayer(p, cfg.InChannels) },
		func() ts.ModuleT { return poolLayer(p.Sub("layer1"), 64, 64, blockCounts[0]) },
		func() ts.ModuleT { return basicLayer(p.Sub("layer2"), 64, 128, 2, blockCounts[1]) },
		func() ts.ModuleT { return basicLayer(p.Sub("layer3"), 128, 256, 2, blockCounts[2]) },
		func() ts.ModuleT { return basicLayer(p.Sub("layer4"), 256, 512, 2, blockCounts[3]) },
	}

	// deeper stages are never built so a shallow encoder does not register
	// unused parameters in the var store
	var stages []ts.ModuleT
	for i := int64(0); i < cfg.Depth; i++ {
		stages = append(stages, builders[i]())
	}
	outChannels := append([]int64{cfg.InChannels}, resnetStageChannels...)

	return &ResNetEncoder{
		stages:      stages,
		outChannels: outChannels[:cfg.Depth+1],
	}
}

// ForwardAll implements Encoder interface for ResNetEncoder.
func (e *ResNetEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	features := []*ts.Tensor{x.MustDetach(false)}
	cur := x
	for _, stage := range e.stages {
		cur = stage.ForwardT(cur, train)
		features = append(features, cur)
	}

	return features
}

// OutChannels implements Encoder interface for ResNetEncoder.
func (e *ResNetEncoder) OutChannels() []int64 {
	return e.outChannels
}

// stemLayer is conv1 + bn1 + relu. NOTE. `conv1` and `bn1` sit at the root of
// pretrained var-store files.
func stemLayer(p *nn.Path, cIn int64) ts.ModuleT {
	conv1 := conv2dNoBias(p.Sub("conv1"), cIn, 64, 7, 3, 2)
	bn1 := nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig())
	stem := nn.SeqT()
	stem.Add(conv1)
	stem.Add(bn1)
	stem.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return stem
}

// poolLayer is the 3x3/2 max pool followed by the first residual layer.
func poolLayer(p *nn.Path, cIn, cOut, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))
	layer.Add(basicLayer(p, cIn, cOut, 1, cnt))

	return layer
}

func basicLayer(path *nn.Path, cIn, cOut, stride, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(NewBasicBlock(path.Sub("0"), cIn, cOut, stride))
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer.Add(NewBasicBlock(path.Sub(fmt.Sprint(blockIndex)), cOut, cOut, 1))
	}

	return layer
}

func conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

func downSample(path *nn.Path, cIn, cOut, stride int64) ts.ModuleT {
	if stride != 1 || cIn != cOut {
		seq := nn.SeqT()
		seq.Add(conv2dNoBias(path.Sub("0"), cIn, cOut, 1, 0, stride))
		seq.Add(nn.BatchNorm2D(path.Sub("1"), cOut, nn.DefaultBatchNormConfig()))

		return seq
	}
	return nn.SeqT()
}

// BasicBlock is the two-conv residual block used by ResNet18/34.
type BasicBlock struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Downsample ts.ModuleT
}

func NewBasicBlock(path *nn.Path, cIn, cOut, stride int64) *BasicBlock {
	conv1 := conv2dNoBias(path.Sub("conv1"), cIn, cOut, 3, 1, stride)
	bn1 := nn.BatchNorm2D(path.Sub("bn1"), cOut, nn.DefaultBatchNormConfig())
	conv2 := conv2dNoBias(path.Sub("conv2"), cOut, cOut, 3, 1, 1)
	bn2 := nn.BatchNorm2D(path.Sub("bn2"), cOut, nn.DefaultBatchNormConfig())
	downsample := downSample(path.Sub("downsample"), cIn, cOut, stride)

	return &BasicBlock{conv1, bn1, conv2, bn2, downsample}
}

func (bb *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.ForwardT(x, train)
	bn1Ts := bb.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1Ts.MustRelu(true)
	c2 := bb.Conv2.ForwardT(relu, train)
	relu.MustDrop()
	bn2Ts := bb.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	dsl := bb.Downsample.ForwardT(x, train)
	dslAdd := dsl.MustAdd(bn2Ts, true)
	bn2Ts.MustDrop()
	res := dslAdd.MustRelu(true)

	return res
}
