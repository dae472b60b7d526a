// Package updator implements the kernel updator with a concatenated gate and an additive skip
// used by query-based detectors (K-Net, QueryInst) to refine per-proposal features.
//
// Dynamic parameters are computed from the update feature on every call. Half of them, together
// with a projection of the input feature, form a gate; the other half are gated, added to the raw
// input feature, and the result is projected, normalized and activated.
package updator

import (
	"bytes"
	"encoding/gob"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Float is the dtype of every parameter and input.
var Float = G.Float32

var (
	// ErrConfig is the cause of every construction failure.
	ErrConfig = errors.New("invalid kernel updator configuration")
	// ErrShape is the cause of every shape or dtype mismatch.
	ErrShape = errors.New("shape mismatch")
)

// Param is a named learned tensor owned by an *Updator.
type Param struct {
	Name  string
	Value *tensor.Dense
}

// linear is a dense layer computing x·W + b.
type linear struct {
	W *tensor.Dense // (in, out)
	B *tensor.Dense // (1, out)
}

func newLinear(in, out int) *linear {
	return &linear{
		W: tensor.New(tensor.WithShape(in, out), tensor.WithBacking(G.GlorotN(1.0)(Float, in, out))),
		B: filled(1, out, 0),
	}
}

func (l *linear) params(prefix string) []Param {
	return []Param{
		{prefix + ".weight", l.W},
		{prefix + ".bias", l.B},
	}
}

// split divides the layer at output column c, as if its projection were computed in
// full and its columns split afterwards.
func (l *linear) split(c int) (fst, snd *linear, err error) {
	var s slicer
	in, out := l.W.Shape()[0], l.W.Shape()[1]
	fst = &linear{W: s.Slice(l.W, nil, sli(0, c)), B: s.Slice(l.B, nil, sli(0, c))}
	snd = &linear{W: s.Slice(l.W, nil, sli(c, out)), B: s.Slice(l.B, nil, sli(c, out))}
	if s.err != nil {
		return nil, nil, s.err
	}
	// slicing may drop unit axes; restore the matrix shapes
	var errs manyErr
	for _, e := range []error{
		fst.W.Reshape(in, c),
		fst.B.Reshape(1, c),
		snd.W.Reshape(in, out-c),
		snd.B.Reshape(1, out-c),
	} {
		if e != nil {
			errs = append(errs, e)
		}
	}
	if len(errs) > 0 {
		return nil, nil, errors.WithStack(errs)
	}
	return fst, snd, nil
}

// Updator is the dynamic kernel update layer.
//
// All fields are fixed once the weights are loaded. Forward and Trace only read them.
type Updator struct {
	Config

	dynamic  *linear // in → feat/2 + feat
	input    *linear // feat → feat/2
	gate     *linear // feat → feat
	fc       *linear // feat → out
	gateNorm Norm    // nil unless GateNormAct
	normIn   Norm
	normOut  Norm
	fcNorm   Norm
	act      Activation
}

// New validates conf and returns an *Updator with freshly initialised weights.
func New(conf Config) (*Updator, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	in, feat, out := conf.InChannels, conf.FeatChannels, conf.Out()
	retVal := &Updator{
		Config:  conf,
		dynamic: newLinear(in, conf.numParamsIn()+conf.numParamsOut()),
		input:   newLinear(feat, conf.numParamsIn()),
		gate:    newLinear(feat, feat),
		fc:      newLinear(feat, out),
		act:     activations[conf.Act.Type],
	}

	var err error
	if conf.GateNormAct {
		if retVal.gateNorm, err = newNorm(conf.Norm, feat); err != nil {
			return nil, err
		}
	}
	if retVal.normIn, err = newNorm(conf.Norm, feat); err != nil {
		return nil, err
	}
	if retVal.normOut, err = newNorm(conf.Norm, feat); err != nil {
		return nil, err
	}
	if retVal.fcNorm, err = newNorm(conf.Norm, out); err != nil {
		return nil, err
	}
	return retVal, nil
}

// Params returns the live learned tensors in a fixed order, named after the layers they belong to.
// Writing into them changes the layer; do so only while no forward pass is running.
func (u *Updator) Params() []Param {
	var retVal []Param
	retVal = append(retVal, u.dynamic.params("dynamic_layer")...)
	retVal = append(retVal, u.input.params("input_layer")...)
	retVal = append(retVal, u.gate.params("update_gate")...)
	if u.gateNorm != nil {
		retVal = append(retVal, u.gateNorm.Params("gate_norm")...)
	}
	retVal = append(retVal, u.normIn.Params("norm_in")...)
	retVal = append(retVal, u.normOut.Params("norm_out")...)
	retVal = append(retVal, u.fc.params("fc_layer")...)
	retVal = append(retVal, u.fcNorm.Params("fc_norm")...)
	return retVal
}

// Let copies v into the parameter called name. v must have the parameter's shape and
// hold only finite values.
func (u *Updator) Let(name string, v *tensor.Dense) error {
	for _, p := range u.Params() {
		if p.Name != name {
			continue
		}
		src, err := dense(v, name)
		if err != nil {
			return err
		}
		if !src.Shape().Eq(p.Value.Shape()) {
			return errors.Wrapf(ErrShape, "%s has shape %v, got %v", name, p.Value.Shape(), src.Shape())
		}
		data := src.Data().([]float32)
		for i, f := range data {
			if math32.IsNaN(f) || math32.IsInf(f, 0) {
				return errors.Errorf("%s[%d] is not finite: %v", name, i, f)
			}
		}
		copy(p.Value.Data().([]float32), data)
		return nil
	}
	return errors.Errorf("unknown parameter %q", name)
}

// Init reinitialises the linear layers: weights with w, biases with b.
// A nil b zeroes the biases.
func (u *Updator) Init(w, b G.InitWFn) {
	for _, l := range []*linear{u.dynamic, u.input, u.gate, u.fc} {
		s := l.W.Shape()
		copy(l.W.Data().([]float32), w(Float, s...).([]float32))
		bias := l.B.Data().([]float32)
		if b == nil {
			for i := range bias {
				bias[i] = 0
			}
			continue
		}
		copy(bias, b(Float, l.B.Shape()...).([]float32))
	}
}

// Clone returns an independent *Updator with the same config and weights.
func (u *Updator) Clone() (*Updator, error) {
	u2, err := New(u.Config)
	if err != nil {
		return nil, err
	}
	model2 := u2.Params()
	for i, p := range u.Params() {
		copy(model2[i].Value.Data().([]float32), p.Value.Data().([]float32))
	}
	return u2, nil
}

// GobEncode writes the parameters in Params order. The Config is not encoded.
func (u *Updator) GobEncode() (retVal []byte, err error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, p := range u.Params() {
		if err = enc.Encode(p.Value.Data().([]float32)); err != nil {
			return nil, errors.Wrapf(err, "encoding %s", p.Name)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode fills the parameters. A zero *Updator carrying only a Config is built from that config first.
func (u *Updator) GobDecode(p []byte) error {
	if u.normIn == nil {
		u2, err := New(u.Config)
		if err != nil {
			return err
		}
		*u = *u2
	}
	buf := bytes.NewBuffer(p)
	dec := gob.NewDecoder(buf)
	for _, param := range u.Params() {
		var v []float32
		if err := dec.Decode(&v); err != nil {
			return errors.Wrapf(err, "decoding %s", param.Name)
		}
		dst := param.Value.Data().([]float32)
		if len(v) != len(dst) {
			return errors.Wrapf(ErrShape, "%s holds %d values, decoded %d", param.Name, len(dst), len(v))
		}
		copy(dst, v)
	}
	return nil
}
