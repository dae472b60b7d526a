package updator

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// Norm is a normalization over the channel axis of a (rows, width) matrix.
// Each instance owns its learned affine state.
type Norm interface {
	Kind() string
	Width() int

	// Params returns the live parameter tensors, prefixed with prefix.
	Params(prefix string) []Param

	// Apply adds the normalization of x to x's graph. name disambiguates the nodes it creates.
	Apply(x *G.Node, name string) (*G.Node, error)
}

var norms = map[string]func(width int, eps float64) Norm{
	"LN": newLayerNorm,
	"BN": newBatchNorm,
}

func newNorm(conf NormConfig, width int) (Norm, error) {
	fn, ok := norms[conf.Type]
	if !ok {
		return nil, errors.Wrapf(ErrConfig, "unknown norm %q", conf.Type)
	}
	return fn(width, conf.Eps), nil
}

// layerNorm computes y = (x - E[x]) / sqrt(Var[x] + eps) * γ + β per row.
type layerNorm struct {
	gamma, beta *tensor.Dense // (1, width)
	eps         float64
}

func newLayerNorm(width int, eps float64) Norm {
	return &layerNorm{
		gamma: filled(1, width, 1),
		beta:  filled(1, width, 0),
		eps:   eps,
	}
}

func (l *layerNorm) Kind() string { return "LN" }
func (l *layerNorm) Width() int   { return l.gamma.Shape()[1] }

func (l *layerNorm) Params(prefix string) []Param {
	return []Param{
		{prefix + ".weight", l.gamma},
		{prefix + ".bias", l.beta},
	}
}

func (l *layerNorm) Apply(x *G.Node, name string) (*G.Node, error) {
	if err := checkWidth(x, l.Width(), name); err != nil {
		return nil, err
	}
	var m maebe
	g := x.Graph()
	eps := G.NewConstant(float32(l.eps))

	centered := m.colwise(G.BroadcastSub, x, m.rowMean(x))
	sq := m.do(func() (*G.Node, error) { return G.Square(centered) })
	variance := m.rowMean(sq)
	std := m.do(func() (*G.Node, error) { return G.Add(variance, eps) })
	std = m.do(func() (*G.Node, error) { return G.Sqrt(std) })
	normed := m.colwise(G.BroadcastHadamardDiv, centered, std)

	scaled := m.rowwise(G.BroadcastHadamardProd, normed, m.bind(g, l.gamma, name+"_gamma"))
	retVal := m.rowwise(G.BroadcastAdd, scaled, m.bind(g, l.beta, name+"_beta"))
	return retVal, m.err
}

// batchNorm is an inference-mode batch norm: running statistics are fixed, so
// y = (x - μ) / sqrt(σ² + eps) * γ + β per channel, which folds into one affine map.
type batchNorm struct {
	gamma, beta *tensor.Dense // (1, width)
	mean, vari  *tensor.Dense // running statistics, (1, width)
	eps         float64
}

func newBatchNorm(width int, eps float64) Norm {
	return &batchNorm{
		gamma: filled(1, width, 1),
		beta:  filled(1, width, 0),
		mean:  filled(1, width, 0),
		vari:  filled(1, width, 1),
		eps:   eps,
	}
}

func (b *batchNorm) Kind() string { return "BN" }
func (b *batchNorm) Width() int   { return b.gamma.Shape()[1] }

func (b *batchNorm) Params(prefix string) []Param {
	return []Param{
		{prefix + ".weight", b.gamma},
		{prefix + ".bias", b.beta},
		{prefix + ".running_mean", b.mean},
		{prefix + ".running_var", b.vari},
	}
}

// fold returns scale = γ / sqrt(σ² + eps) and shift = β - μ·scale.
func (b *batchNorm) fold() (scale, shift *tensor.Dense) {
	w := b.Width()
	s := make([]float32, w)
	copy(s, b.vari.Data().([]float32))
	vecf32.Trans(s, float32(b.eps))
	vecf32.Sqrt(s)
	g := make([]float32, w)
	copy(g, b.gamma.Data().([]float32))
	vecf32.Div(g, s)

	sh := make([]float32, w)
	copy(sh, b.mean.Data().([]float32))
	vecf32.Mul(sh, g)
	beta := make([]float32, w)
	copy(beta, b.beta.Data().([]float32))
	vecf32.Sub(beta, sh)

	scale = tensor.New(tensor.WithShape(1, w), tensor.WithBacking(g))
	shift = tensor.New(tensor.WithShape(1, w), tensor.WithBacking(beta))
	return
}

func (b *batchNorm) Apply(x *G.Node, name string) (*G.Node, error) {
	if err := checkWidth(x, b.Width(), name); err != nil {
		return nil, err
	}
	var m maebe
	g := x.Graph()
	s, sh := b.fold()
	scaled := m.rowwise(G.BroadcastHadamardProd, x, m.bind(g, s, name+"_scale"))
	retVal := m.rowwise(G.BroadcastAdd, scaled, m.bind(g, sh, name+"_shift"))
	return retVal, m.err
}

func checkWidth(x *G.Node, width int, name string) error {
	s := x.Shape()
	if s.Dims() != 2 || s[1] != width {
		return errors.Wrapf(ErrShape, "%s expects (rows, %d), got %v", name, width, s)
	}
	return nil
}
