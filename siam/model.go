package siam

import (
	"fmt"
	"log"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/ybricard/fccd/base"
	"github.com/ybricard/fccd/encoder"
)

// DefaultDecoderChannels is the default output width per decoder stage.
var DefaultDecoderChannels = []int64{256, 128, 64, 32, 16}

// Config holds construction options for a Siamese change model.
type Config struct {
	EncoderName      string  // backbone name, default "resnet34"
	EncoderDepth     int64   // number of encoder stages in [3, 5], default 5
	DecoderNorm      string  // base.NormBatch (default), base.NormNone or base.NormInplace
	DecoderChannels  []int64 // one width per decoder stage, len must equal EncoderDepth
	DecoderAttention string  // "" or "scse"
	DecoderCenter    bool    // extra conv block on the deepest level
	InChannels       int64   // input image channels, default 3
	Classes          int64   // output mask channels, default 1
	Activation       string  // final activation name, default identity
	ActivationFn     base.Activation
	DropRate         float64 // fused-feature dropout, concat fusion only
}

func (c Config) withDefaults() Config {
	if c.EncoderName == "" {
		c.EncoderName = "resnet34"
	}
	if c.EncoderDepth == 0 {
		c.EncoderDepth = 5
	}
	if c.DecoderNorm == "" {
		c.DecoderNorm = base.NormBatch
	}
	if c.DecoderChannels == nil {
		c.DecoderChannels = DefaultDecoderChannels
	}
	if c.InChannels == 0 {
		c.InChannels = 3
	}
	if c.Classes == 0 {
		c.Classes = 1
	}
	return c
}

// ChangeUNet is a fully convolutional Siamese change detection model: a
// shared encoder applied to both acquisition times, a fusion rule combining
// the two feature pyramids, and a U-Net decoder producing a change mask.
//
// Ref. https://doi.org/10.1109/ICIP.2018.8451652
type ChangeUNet struct {
	fusion   FusionMode
	encoder  encoder.Encoder
	decoder  *UnetDecoder
	head     *base.SegmentationHead
	dropRate float64
}

// New creates a ChangeUNet with the given fusion mode. Invalid configuration
// (unknown encoder or activation name, depth out of range, mismatched channel
// list) is an error.
func New(p *nn.Path, mode FusionMode, cfg Config) (*ChangeUNet, error) {
	cfg = cfg.withDefaults()

	if int64(len(cfg.DecoderChannels)) != cfg.EncoderDepth {
		return nil, fmt.Errorf(
			"decoder channels length (%d) must equal encoder depth (%d)",
			len(cfg.DecoderChannels), cfg.EncoderDepth,
		)
	}
	if cfg.DropRate < 0 || cfg.DropRate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %v", cfg.DropRate)
	}
	if cfg.DropRate > 0 && mode != FusionConcat {
		return nil, fmt.Errorf("dropout is only supported with concat fusion")
	}

	enc, err := encoder.New(cfg.EncoderName, p, encoder.Config{
		InChannels: cfg.InChannels,
		Depth:      cfg.EncoderDepth,
	})
	if err != nil {
		return nil, err
	}

	// the fusion rule dictates the channel widths the decoder sees
	decChannels := FusedChannels(mode, enc.OutChannels())
	dec, err := NewUnetDecoder(p, decChannels, cfg.DecoderChannels, cfg.DecoderNorm, cfg.DecoderAttention, cfg.DecoderCenter)
	if err != nil {
		return nil, err
	}

	activation := cfg.ActivationFn
	if activation == nil {
		activation, err = base.NewActivation(cfg.Activation)
		if err != nil {
			return nil, err
		}
	}
	head := base.NewSegmentationHead(p.Sub("head"), cfg.DecoderChannels[len(cfg.DecoderChannels)-1], cfg.Classes, 3, activation)

	return &ChangeUNet{
		fusion:   mode,
		encoder:  enc,
		decoder:  dec,
		head:     head,
		dropRate: cfg.DropRate,
	}, nil
}

// NewFCSiamConc creates a Fully-convolutional Siamese Concatenation model
// (FC-Siam-conc).
func NewFCSiamConc(p *nn.Path, cfg Config) (*ChangeUNet, error) {
	return New(p, FusionConcat, cfg)
}

// NewFCSiamDiff creates a Fully-convolutional Siamese Difference model
// (FC-Siam-diff).
func NewFCSiamDiff(p *nn.Path, cfg Config) (*ChangeUNet, error) {
	return New(p, FusionDiff, cfg)
}

// DefaultFCSiamConc creates an FC-Siam-conc with default config.
// ResNet34 as encoder.
func DefaultFCSiamConc(p *nn.Path) *ChangeUNet {
	net, err := NewFCSiamConc(p, Config{})
	if err != nil {
		log.Fatal(err)
	}
	return net
}

// DefaultFCSiamDiff creates an FC-Siam-diff with default config.
// ResNet34 as encoder.
func DefaultFCSiamDiff(p *nn.Path) *ChangeUNet {
	net, err := NewFCSiamDiff(p, Config{})
	if err != nil {
		log.Fatal(err)
	}
	return net
}

// Fusion returns the model's fusion mode.
func (m *ChangeUNet) Fusion() FusionMode {
	return m.fusion
}

// ForwardT implements ts.ModuleT for ChangeUNet.
//
// x is a bitemporal batch of shape (B, 2, C, H, W); dim 1 indexes the two
// acquisition times. Output is a change mask of shape (B, classes, H, W).
func (m *ChangeUNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	if len(size) != 5 || size[1] != 2 {
		log.Fatalf("expected bitemporal batch of shape (B, 2, C, H, W), got %v", size)
	}

	x0 := x.MustSelect(1, 0, false)
	x1 := x.MustSelect(1, 1, false)

	feats0 := m.encoder.ForwardAll(x0, train)
	feats1 := m.encoder.ForwardAll(x1, train)
	fused := Fuse(m.fusion, feats0, feats1)
	x0.MustDrop()
	x1.MustDrop()
	for _, f := range feats0 {
		f.MustDrop()
	}
	for _, f := range feats1 {
		f.MustDrop()
	}

	if m.dropRate > 0 {
		for i := 1; i < len(fused); i++ {
			dropped := ts.MustDropout(fused[i], m.dropRate, train)
			fused[i].MustDrop()
			fused[i] = dropped
		}
	}

	out := m.decoder.ForwardFeatures(fused, train)
	for _, f := range fused {
		f.MustDrop()
	}

	logit := m.head.ForwardT(out, train)
	out.MustDrop()

	// guard: mask spatial size must match the input patch
	masks := upsampleTo(logit, []int64{size[3], size[4]})
	logit.MustDrop()

	return masks
}
