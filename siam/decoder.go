package siam

import (
	"fmt"
	"log"
	"reflect"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/ybricard/fccd/base"
)

// upsample interpolates x to the spatial size of ref using `nearest`.
func upsample(x, ref *ts.Tensor) *ts.Tensor {
	xSize := x.MustSize()
	refSize := ref.MustSize()
	if reflect.DeepEqual(xSize[2:], refSize[2:]) {
		// shallow clone keeps the tensor on the autograd graph
		return x.MustShallowClone()
	}

	return x.MustUpsampleNearest2d(refSize[2:], nil, nil, false)
}

// upsampleTo interpolates x to the given (H, W) size using `nearest`.
func upsampleTo(x *ts.Tensor, outSize []int64) *ts.Tensor {
	xSize := x.MustSize()
	if reflect.DeepEqual(xSize[2:], outSize) {
		return x.MustShallowClone()
	}

	return x.MustUpsampleNearest2d(outSize, nil, nil, false)
}

// upsample2x doubles the spatial size of x using `nearest`.
func upsample2x(x *ts.Tensor) *ts.Tensor {
	size := x.MustSize()
	outSize := []int64{size[2] * 2, size[3] * 2}

	return x.MustUpsampleNearest2d(outSize, nil, nil, false)
}

// DecoderBlock upsamples the incoming map, concatenates the skip connection
// and refines through two conv+norm+relu stages with optional attention.
type DecoderBlock struct {
	Conv1 *nn.SequentialT
	Attn1 *base.Attention
	Conv2 *nn.SequentialT
	Attn2 *base.Attention
}

// NewDecoderBlock creates a DecoderBlock. skip may be 0 for blocks without a
// skip connection.
func NewDecoderBlock(p *nn.Path, cIn, skip, cOut int64, normMode, attention string) (*DecoderBlock, error) {
	attn1, err := base.NewAttention(p.Sub("attn1"), attention, cIn+skip)
	if err != nil {
		return nil, err
	}
	attn2, err := base.NewAttention(p.Sub("attn2"), attention, cOut)
	if err != nil {
		return nil, err
	}
	conv1 := base.Conv2dNormRelu(p.Sub("conv1"), cIn+skip, cOut, 3, 1, 1, normMode)
	conv2 := base.Conv2dNormRelu(p.Sub("conv2"), cOut, cOut, 3, 1, 1, normMode)

	return &DecoderBlock{
		Conv1: conv1,
		Attn1: attn1,
		Conv2: conv2,
		Attn2: attn2,
	}, nil
}

// ForwardUp upsamples x (to the skip's size when present, 2x otherwise),
// concatenates the skip connection and forwards through the block.
func (d *DecoderBlock) ForwardUp(x, skip *ts.Tensor, train bool) *ts.Tensor {
	var cat *ts.Tensor
	if skip != nil {
		xUp := upsample(x, skip)
		cat = ts.MustCat([]ts.Tensor{*xUp, *skip}, 1)
		xUp.MustDrop()
	} else {
		cat = upsample2x(x)
	}

	attn1 := d.Attn1.ForwardT(cat, train)
	cat.MustDrop()
	conv1 := d.Conv1.ForwardT(attn1, train)
	attn1.MustDrop()
	conv2 := d.Conv2.ForwardT(conv1, train)
	conv1.MustDrop()
	res := d.Attn2.ForwardT(conv2, train)
	conv2.MustDrop()

	return res
}

// CenterBlock refines the deepest feature map before decoding starts.
type CenterBlock struct {
	Conv1 *nn.SequentialT
	Conv2 *nn.SequentialT
}

// ForwardT implements ts.ModuleT interface for CenterBlock struct.
func (c *CenterBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := c.Conv1.ForwardT(x, train)
	c2 := c.Conv2.ForwardT(c1, train)
	c1.MustDrop()

	return c2
}

// NewCenterBlock creates a new CenterBlock.
func NewCenterBlock(p *nn.Path, cIn, cOut int64, normMode string) *CenterBlock {
	conv1 := base.Conv2dNormRelu(p.Sub("conv1"), cIn, cOut, 3, 1, 1, normMode)
	conv2 := base.Conv2dNormRelu(p.Sub("conv2"), cOut, cOut, 3, 1, 1, normMode)

	return &CenterBlock{conv1, conv2}
}

// UnetDecoder upsamples a feature pyramid back to input resolution.
//
// Pyramid level 0 (the raw-resolution passthrough) is never consumed: the
// shallowest skip used is level 1, matching the original FC-Siam design.
type UnetDecoder struct {
	center ts.ModuleT
	blocks []*DecoderBlock
	levels int
}

// NewUnetDecoder creates a UnetDecoder. encChannels holds one channel count
// per pyramid level (len = nBlocks+1, level 0 first); decChannels holds one
// output width per decoder stage (len = nBlocks).
func NewUnetDecoder(p *nn.Path, encChannels, decChannels []int64, normMode, attention string, center bool) (*UnetDecoder, error) {
	nBlocks := len(decChannels)
	if len(encChannels) != nBlocks+1 {
		return nil, fmt.Errorf(
			"decoder channels length (%d) does not match encoder depth (%d)",
			nBlocks, len(encChannels)-1,
		)
	}

	// level 0 is dropped, remaining levels are consumed deepest first
	enc := make([]int64, 0, nBlocks)
	for i := len(encChannels) - 1; i >= 1; i-- {
		enc = append(enc, encChannels[i])
	}

	headChannels := enc[0]
	var centerBlock ts.ModuleT = base.NewIdentity()
	if center {
		centerBlock = NewCenterBlock(p.Sub("center"), headChannels, headChannels, normMode)
	}

	var blocks []*DecoderBlock
	for i := 0; i < nBlocks; i++ {
		cIn := headChannels
		if i > 0 {
			cIn = decChannels[i-1]
		}
		var skip int64
		if i < nBlocks-1 {
			skip = enc[i+1]
		}
		block, err := NewDecoderBlock(p.Sub(fmt.Sprintf("decoder%d", i)), cIn, skip, decChannels[i], normMode, attention)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}

	return &UnetDecoder{
		center: centerBlock,
		blocks: blocks,
		levels: nBlocks + 1,
	}, nil
}

// ForwardFeatures decodes a fused feature pyramid into a dense map at the
// pyramid's level-0 resolution.
func (d *UnetDecoder) ForwardFeatures(features []*ts.Tensor, train bool) *ts.Tensor {
	if len(features) != d.levels {
		log.Fatalf("expected feature pyramid of %v levels, got %v", d.levels, len(features))
	}

	// deepest first, level 0 unused
	skips := make([]*ts.Tensor, 0, d.levels-1)
	for i := d.levels - 1; i >= 1; i-- {
		skips = append(skips, features[i])
	}

	x := d.center.ForwardT(skips[0], train)
	for i, block := range d.blocks {
		var skip *ts.Tensor
		if i+1 < len(skips) {
			skip = skips[i+1]
		}
		z := block.ForwardUp(x, skip, train)
		x.MustDrop()
		x = z
	}

	return x
}
