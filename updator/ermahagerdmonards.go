package updator

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type maebe struct {
	err error
}

// generic monad... may be useful
func (m *maebe) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// bind creates an input matrix holding a private copy of v.
func (m *maebe) bind(g *G.ExprGraph, v *tensor.Dense, name string) *G.Node {
	if m.err != nil {
		return nil
	}
	return G.NewMatrix(g, Float, G.WithShape(v.Shape().Clone()...), G.WithName(name), G.WithValue(v.Clone()))
}

// rowwise applies op between the (rows, c) input and the (1, c) row repeated over the rows.
func (m *maebe) rowwise(op func(a, b *G.Node, l, r []byte) (*G.Node, error), input, row *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return op(input, row, nil, []byte{0}) })
}

// colwise applies op between the (rows, c) input and the (rows) col repeated over the columns.
func (m *maebe) colwise(op func(a, b *G.Node, l, r []byte) (*G.Node, error), input, col *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return op(input, col, nil, []byte{1}) })
}

// rowMean averages each row of the (rows, c) matrix into a (rows) vector.
func (m *maebe) rowMean(input *G.Node) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Mean(input, 1) })
}

// tile repeats every row of the (p, c) input n times, giving (p*n, c).
// Row i*n+j of the result is row i of the input.
func (m *maebe) tile(input *G.Node, n int) *G.Node {
	if m.err != nil || n == 1 {
		return input
	}
	p, c := input.Shape()[0], input.Shape()[1]
	copies := make(G.Nodes, n)
	for i := range copies {
		copies[i] = input
	}
	wide := m.do(func() (*G.Node, error) { return G.Concat(1, copies...) })
	return m.reshape(wide, tensor.Shape{p * n, c})
}

// linear computes input·W + b with the given layer's weights.
func (m *maebe) linear(input *G.Node, l *linear, name string) *G.Node {
	if m.err != nil {
		return nil
	}
	w := m.bind(input.Graph(), l.W, name+"_w")
	b := m.bind(input.Graph(), l.B, name+"_b")
	xw := m.do(func() (*G.Node, error) { return G.Mul(input, w) })
	return m.rowwise(G.BroadcastAdd, xw, b)
}

func (m *maebe) norm(input *G.Node, n Norm, name string) *G.Node {
	if m.err != nil {
		return nil
	}
	return m.do(func() (*G.Node, error) { return n.Apply(input, name) })
}

func (m *maebe) act(input *G.Node, a Activation) *G.Node {
	if m.err != nil {
		return nil
	}
	return m.do(func() (*G.Node, error) { return a.Apply(input) })
}

func (m *maebe) reshape(input *G.Node, to tensor.Shape) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.Reshape(input, to); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}
