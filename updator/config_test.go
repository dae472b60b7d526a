package updator

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConf()
	if !conf.IsValid() {
		t.Errorf("Expected Default Config to be correct: %v", conf.Validate())
	}
	assert := assert.New(t)
	assert.Equal(256, conf.Out(), "out_channels defaults to in_channels")
	assert.Equal(9, conf.Positions())
	assert.Equal(32, conf.numParamsIn())
	assert.Equal(64, conf.numParamsOut())
}

func TestConfigPositions(t *testing.T) {
	conf := DefaultConf()
	conf.InputFeatShape = []int{2, 5}
	assert.Equal(t, 10, conf.Positions())
	conf.OutChannels = 32
	assert.Equal(t, 32, conf.Out())
}

var badConfs = []struct {
	name string
	mod  func(*Config)
}{
	{"odd feat_channels", func(c *Config) { c.FeatChannels = 63 }},
	{"zero feat_channels", func(c *Config) { c.FeatChannels = 0 }},
	{"zero in_channels", func(c *Config) { c.InChannels = 0 }},
	{"negative out_channels", func(c *Config) { c.OutChannels = -1 }},
	{"empty input_feat_shape", func(c *Config) { c.InputFeatShape = nil }},
	{"three axis input_feat_shape", func(c *Config) { c.InputFeatShape = []int{3, 3, 3} }},
	{"zero input_feat_shape", func(c *Config) { c.InputFeatShape = []int{3, 0} }},
	{"unknown activation", func(c *Config) { c.Act.Type = "Swish" }},
	{"unknown norm", func(c *Config) { c.Norm.Type = "GN" }},
	{"zero eps", func(c *Config) { c.Norm.Eps = 0 }},
}

func TestConfigValidate(t *testing.T) {
	for _, bc := range badConfs {
		t.Run(bc.name, func(t *testing.T) {
			conf := DefaultConf()
			bc.mod(&conf)
			err := conf.Validate()
			if err == nil {
				t.Fatalf("Expected %v to be invalid", conf)
			}
			if errors.Cause(err) != ErrConfig {
				t.Errorf("Expected cause ErrConfig. Got %v", err)
			}
			if conf.IsValid() {
				t.Errorf("IsValid disagrees with Validate")
			}

			u, err := New(conf)
			if err == nil || u != nil {
				t.Errorf("Expected New to fail without returning an *Updator")
			}
		})
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	conf := DefaultConf()
	conf.FeatChannels = 63
	conf.Act.Type = "Swish"
	err := conf.Validate()
	if err == nil {
		t.Fatal("Expected an error")
	}
	assert.Contains(t, err.Error(), "divisible by two")
	assert.Contains(t, err.Error(), `"Swish"`)
}
