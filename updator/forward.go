package updator

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Trace holds the tensors of one forward pass.
type Trace struct {
	Gate   *tensor.Dense // (P, N, feat), after the optional sigmoid
	Mixed  *tensor.Dense // (P, N, feat), gate ⊙ param_out + input_feature, before fc_layer
	Output *tensor.Dense // (P, N, out)
}

// fwdGraph is the forward expression graph for a fixed number of proposals and positions.
type fwdGraph struct {
	g                    *G.ExprGraph
	proposals, positions int

	update *G.Node // (P, in)
	input  *G.Node // (P*N, feat)

	gateV, mixedV, outputV G.Value
}

// Forward refines the per-proposal features. update flattens to (P, in_channels);
// input reshapes to (P, N, feat_channels). The result has shape (P, N, out_channels).
func (u *Updator) Forward(update, input *tensor.Dense) (*tensor.Dense, error) {
	t, err := u.Trace(update, input)
	if err != nil {
		return nil, err
	}
	return t.Output, nil
}

// Trace is Forward, also returning the gate and the pre-projection features.
func (u *Updator) Trace(update, input *tensor.Dense) (Trace, error) {
	upd, inp, p, n, err := u.flatten(update, input)
	if err != nil {
		return Trace{}, err
	}
	fg, err := u.fwd(p, n)
	if err != nil {
		return Trace{}, err
	}
	m := G.NewTapeMachine(fg.g)
	defer m.Close()

	if err = G.Let(fg.update, upd); err != nil {
		return Trace{}, errors.WithStack(err)
	}
	if err = G.Let(fg.input, inp); err != nil {
		return Trace{}, errors.WithStack(err)
	}
	if err = m.RunAll(); err != nil {
		return Trace{}, errors.WithStack(err)
	}
	return fg.trace()
}

// flatten checks both inputs and returns contiguous copies shaped (P, in) and (P*N, feat).
func (u *Updator) flatten(update, input *tensor.Dense) (upd, inp *tensor.Dense, p, n int, err error) {
	in, feat := u.InChannels, u.FeatChannels
	if upd, err = dense(update, "update_feature"); err != nil {
		return
	}
	if inp, err = dense(input, "input_feature"); err != nil {
		return
	}

	us := upd.Shape()
	if us.Dims() == 0 || us[us.Dims()-1] != in || us.TotalSize() == 0 {
		err = errors.Wrapf(ErrShape, "update_feature %v does not flatten to (P, %d)", us, in)
		return
	}
	p = us.TotalSize() / in

	is := input.Shape()
	switch {
	case is.Dims() == 0 || is[is.Dims()-1] != feat:
		err = errors.Wrapf(ErrShape, "input_feature %v must have %d channels on its last axis", is, feat)
		return
	case is.Dims() >= 3 && !hasPrefix(is, p):
		err = errors.Wrapf(ErrShape, "input_feature %v has no leading axes holding the %d proposals of update_feature", is, p)
		return
	case is.TotalSize() == 0 || is.TotalSize()%(p*feat) != 0:
		err = errors.Wrapf(ErrShape, "input_feature %v does not reshape to (%d, N, %d)", is, p, feat)
		return
	}
	n = is.TotalSize() / (p * feat)

	if err = upd.Reshape(p, in); err != nil {
		err = errors.WithStack(err)
		return
	}
	if err = inp.Reshape(p*n, feat); err != nil {
		err = errors.WithStack(err)
	}
	return
}

// hasPrefix reports whether the leading axes of s, excluding the channel axis, multiply out to p.
// Both (P, N, feat) and (P, h, w, feat) qualify, as does (B, P/B, N, feat).
func hasPrefix(s tensor.Shape, p int) bool {
	prod := 1
	for _, d := range s[:s.Dims()-1] {
		prod *= d
		if prod == p {
			return true
		}
		if prod > p {
			return false
		}
	}
	return false
}

func (u *Updator) fwd(p, n int) (*fwdGraph, error) {
	in, feat, out := u.InChannels, u.FeatChannels, u.Out()
	g := G.NewGraph()
	fg := &fwdGraph{
		g:         g,
		proposals: p,
		positions: n,
		update:    G.NewMatrix(g, Float, G.WithShape(p, in), G.WithName("update_feature")),
		input:     G.NewMatrix(g, Float, G.WithShape(p*n, feat), G.WithName("input_feature")),
	}

	dynIn, dynOut, err := u.dynamic.split(u.numParamsIn())
	if err != nil {
		return nil, err
	}

	var m maebe
	// dynamic parameters: param_in (P, feat/2) and param_out (P, feat)
	paramIn := m.linear(fg.update, dynIn, "param_in")
	paramOut := m.linear(fg.update, dynOut, "param_out")

	// gate features: projected input next to param_in, broadcast over the positions
	inputIn := m.linear(fg.input, u.input, "input_layer")
	tiledIn := m.tile(paramIn, n)
	gateFeats := m.do(func() (*G.Node, error) { return G.Concat(1, inputIn, tiledIn) })
	if u.GateNormAct {
		gateFeats = m.act(m.norm(gateFeats, u.gateNorm, "gate_norm"), u.act)
	}

	gate := m.norm(m.linear(gateFeats, u.gate, "update_gate"), u.normIn, "norm_in")
	if u.GateSigmoid {
		gate = m.do(func() (*G.Node, error) { return G.Sigmoid(gate) })
	}

	paramOut = m.norm(paramOut, u.normOut, "norm_out")
	if u.ActivateOut {
		paramOut = m.act(paramOut, u.act)
	}

	// the skip is the raw input feature, added rather than concatenated
	tiledOut := m.tile(paramOut, n)
	gated := m.do(func() (*G.Node, error) { return G.HadamardProd(gate, tiledOut) })
	mixed := m.do(func() (*G.Node, error) { return G.Add(gated, fg.input) })

	output := m.act(m.norm(m.linear(mixed, u.fc, "fc_layer"), u.fcNorm, "fc_norm"), u.act)
	output = m.reshape(output, tensor.Shape{p, n, out})
	if m.err != nil {
		return nil, m.err
	}

	G.Read(gate, &fg.gateV)
	G.Read(mixed, &fg.mixedV)
	G.Read(output, &fg.outputV)
	return fg, nil
}

// trace copies the values read by the last run out of the machine's memory.
func (fg *fwdGraph) trace() (retVal Trace, err error) {
	p, n := fg.proposals, fg.positions
	if retVal.Gate, err = detach(fg.gateV, p, n, -1); err != nil {
		return Trace{}, err
	}
	if retVal.Mixed, err = detach(fg.mixedV, p, n, -1); err != nil {
		return Trace{}, err
	}
	if retVal.Output, err = detach(fg.outputV, p, n, -1); err != nil {
		return Trace{}, err
	}
	return retVal, nil
}

// detach clones v and reshapes the clone to (p, n, c), inferring c when it is negative.
func detach(v G.Value, p, n, c int) (*tensor.Dense, error) {
	t, ok := v.(tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("expected a tensor value, got %T", v)
	}
	retVal := t.Clone().(*tensor.Dense)
	if c < 0 {
		c = retVal.Shape().TotalSize() / (p * n)
	}
	if err := retVal.Reshape(p, n, c); err != nil {
		return nil, errors.WithStack(err)
	}
	return retVal, nil
}
