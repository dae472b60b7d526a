package updator

import (
	"fmt"

	"github.com/pkg/errors"
)

// ActConfig names the activation used throughout the layer.
type ActConfig struct {
	Type string // ReLU, Sigmoid, Tanh or Identity
}

// NormConfig names the normalization scheme and its epsilon.
type NormConfig struct {
	Type string  // LN or BN
	Eps  float64 // added to the variance before the square root
}

// Config configures the kernel updator
type Config struct {
	InChannels   int // width of the update feature
	FeatChannels int // working width. Must be even
	OutChannels  int // output width. 0 means InChannels

	InputFeatShape []int // one or two positive ints. A single k means k×k positions

	GateSigmoid bool // squash the gate into [0, 1]
	GateNormAct bool // normalize and activate the gate features before projecting them
	ActivateOut bool // activate param_out before it is gated

	Act  ActConfig
	Norm NormConfig
}

// DefaultConf returns the widths and flags the layer is usually built with.
func DefaultConf() Config {
	return Config{
		InChannels:     256,
		FeatChannels:   64,
		InputFeatShape: []int{3},
		GateSigmoid:    true,
		Act:            ActConfig{Type: "ReLU"},
		Norm:           NormConfig{Type: "LN", Eps: 1e-5},
	}
}

// Out returns the effective output width.
func (conf Config) Out() int {
	if conf.OutChannels > 0 {
		return conf.OutChannels
	}
	return conf.InChannels
}

// Positions returns the number of spatial positions per proposal implied by InputFeatShape.
func (conf Config) Positions() int {
	switch len(conf.InputFeatShape) {
	case 1:
		return conf.InputFeatShape[0] * conf.InputFeatShape[0]
	case 2:
		return conf.InputFeatShape[0] * conf.InputFeatShape[1]
	}
	return 0
}

func (conf Config) numParamsIn() int  { return conf.FeatChannels / 2 }
func (conf Config) numParamsOut() int { return conf.FeatChannels }

// Validate reports every problem with the config. The returned error's cause is ErrConfig.
func (conf Config) Validate() error {
	var errs manyErr
	if conf.InChannels < 1 {
		errs = append(errs, fmt.Errorf("in_channels must be positive, got %d", conf.InChannels))
	}
	if conf.FeatChannels < 1 {
		errs = append(errs, fmt.Errorf("feat_channels must be positive, got %d", conf.FeatChannels))
	}
	if conf.FeatChannels%2 != 0 {
		errs = append(errs, fmt.Errorf("feat_channels has to be divisible by two, got %d", conf.FeatChannels))
	}
	if conf.OutChannels < 0 {
		errs = append(errs, fmt.Errorf("out_channels must not be negative, got %d", conf.OutChannels))
	}
	if l := len(conf.InputFeatShape); l < 1 || l > 2 {
		errs = append(errs, fmt.Errorf("input_feat_shape must hold one or two ints, got %v", conf.InputFeatShape))
	}
	for _, s := range conf.InputFeatShape {
		if s < 1 {
			errs = append(errs, fmt.Errorf("input_feat_shape must be positive, got %v", conf.InputFeatShape))
			break
		}
	}
	if _, ok := activations[conf.Act.Type]; !ok {
		errs = append(errs, fmt.Errorf("unknown activation %q", conf.Act.Type))
	}
	if _, ok := norms[conf.Norm.Type]; !ok {
		errs = append(errs, fmt.Errorf("unknown norm %q", conf.Norm.Type))
	}
	if conf.Norm.Eps <= 0 {
		errs = append(errs, fmt.Errorf("norm eps must be positive, got %v", conf.Norm.Eps))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Wrapf(ErrConfig, "%v", errs)
}

// IsValid reports whether Validate finds no problem.
func (conf Config) IsValid() bool { return conf.Validate() == nil }
