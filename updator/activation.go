package updator

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/gorgonia/ops/nn"
)

// Activation is an elementwise nonlinearity applied to a node of the forward graph.
type Activation interface {
	Name() string
	Apply(x *G.Node) (*G.Node, error)
}

type actFn struct {
	name string
	f    func(*G.Node) (*G.Node, error)
}

func (a actFn) Name() string                     { return a.name }
func (a actFn) Apply(x *G.Node) (*G.Node, error) { return a.f(x) }

var activations = map[string]Activation{
	"ReLU":     actFn{"ReLU", nnops.Rectify},
	"Sigmoid":  actFn{"Sigmoid", G.Sigmoid},
	"Tanh":     actFn{"Tanh", G.Tanh},
	"Identity": actFn{"Identity", func(x *G.Node) (*G.Node, error) { return x, nil }},
}
