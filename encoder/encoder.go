package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Encoder maps a single image tensor to a feature pyramid: an ordered list
// of feature maps at non-increasing spatial resolution. Level 0 is the input
// itself; with depth d the pyramid holds d+1 tensors.
type Encoder interface {
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
	OutChannels() []int64
}

// Config holds construction options common to all backbones.
type Config struct {
	InChannels int64 // input image channels, default 3
	Depth      int64 // number of downsampling stages, 3-5
}

func (c Config) withDefaults() Config {
	if c.InChannels == 0 {
		c.InChannels = 3
	}
	if c.Depth == 0 {
		c.Depth = 5
	}
	return c
}

func (c Config) validate() error {
	if c.Depth < 3 || c.Depth > 5 {
		return fmt.Errorf("encoder depth must be in range [3, 5], got %d", c.Depth)
	}
	if c.InChannels < 1 {
		return fmt.Errorf("encoder input channels must be >= 1, got %d", c.InChannels)
	}
	return nil
}

// New creates a backbone encoder by name. Unknown names are a
// construction-time error.
func New(name string, p *nn.Path, cfg Config) (Encoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	switch name {
	case "resnet18":
		return newResNetEncoder(p, cfg, []int64{2, 2, 2, 2}), nil
	case "resnet34":
		return newResNetEncoder(p, cfg, []int64{3, 4, 6, 3}), nil
	default:
		return nil, fmt.Errorf("unknown encoder name: %q", name)
	}
}
