package updator

import (
	"bytes"
	"log"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Inferencer is a struct that holds a compiled forward graph for a fixed number of proposals and
// positions, and a VM. By using an Inferencer, there is no longer a need to build and compile a
// graph every time an inference needs to be done.
//
// An Inferencer is not safe for concurrent use. Create one per goroutine.
type Inferencer struct {
	u  *Updator
	fg *fwdGraph
	m  G.VM

	update, input *tensor.Dense
	buf           *bytes.Buffer
}

// Infer snapshots the weights of u and compiles its forward graph for the given batch shape.
// positions <= 0 means u.Positions().
func Infer(u *Updator, proposals, positions int, toLog bool) (*Inferencer, error) {
	if positions <= 0 {
		positions = u.Positions()
	}
	if proposals < 1 || positions < 1 {
		return nil, errors.Wrapf(ErrShape, "cannot infer for %d proposals at %d positions", proposals, positions)
	}
	fg, err := u.fwd(proposals, positions)
	if err != nil {
		return nil, err
	}
	retVal := &Inferencer{
		u:      u,
		fg:     fg,
		update: tensor.New(tensor.WithShape(proposals, u.InChannels), tensor.Of(Float)),
		input:  tensor.New(tensor.WithShape(proposals*positions, u.FeatChannels), tensor.Of(Float)),
		buf:    new(bytes.Buffer),
	}

	if toLog {
		logger := log.New(retVal.buf, "", 0)
		retVal.m = G.NewTapeMachine(fg.g,
			G.WithLogger(logger),
			G.WithWatchlist(),
			G.TraceExec(),
			G.WithValueFmt("%+1.1v"),
			G.WithNaNWatch(),
		)
	} else {
		retVal.m = G.NewTapeMachine(fg.g)
	}
	return retVal, nil
}

// Shape returns the number of proposals and positions the Inferencer was compiled for.
func (inf *Inferencer) Shape() (proposals, positions int) {
	return inf.fg.proposals, inf.fg.positions
}

// Infer takes the row-major update feature (P×in) and input feature (P×N×feat),
// and returns the row-major refined feature (P×N×out).
func (inf *Inferencer) Infer(update, input []float32) ([]float32, error) {
	if len(update) != inf.update.Shape().TotalSize() {
		return nil, errors.Wrapf(ErrShape, "update_feature holds %d values, expected %v", len(update), inf.update.Shape())
	}
	if len(input) != inf.input.Shape().TotalSize() {
		return nil, errors.Wrapf(ErrShape, "input_feature holds %d values, expected %v", len(input), inf.input.Shape())
	}
	inf.buf.Reset()

	// copy the features to the provided preallocated input tensors
	copy(inf.update.Data().([]float32), update)
	copy(inf.input.Data().([]float32), input)

	inf.m.Reset()
	if err := G.Let(inf.fg.update, inf.update); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := G.Let(inf.fg.input, inf.input); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := inf.m.RunAll(); err != nil {
		return nil, errors.WithStack(err)
	}
	out := inf.fg.outputV.Data().([]float32)
	retVal := make([]float32, len(out))
	copy(retVal, out)
	return retVal, nil
}

// Updator returns the layer the Inferencer was compiled from.
func (inf *Inferencer) Updator() *Updator { return inf.u }

// ExecLog returns the execution log. If Infer was called with toLog = false, then it will return an empty string
func (inf *Inferencer) ExecLog() string { return inf.buf.String() }

// Close implements a closer, because well, a gorgonia VM is a resource.
func (inf *Inferencer) Close() error { return inf.m.Close() }
