package updator

import (
	"math"
	"math/rand"
	"strings"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// randomize fills every parameter of u with values drawn from a fixed seed.
// Running variances stay positive and norm scales stay near one.
func randomize(u *Updator, seed int64) {
	r := rand.New(rand.NewSource(seed))
	for _, p := range u.Params() {
		data := p.Value.Data().([]float32)
		norm := strings.Contains(p.Name, "norm")
		for i := range data {
			v := r.Float32()*2 - 1
			switch {
			case strings.HasSuffix(p.Name, ".running_var"):
				data[i] = 1 + 0.5*v
			case norm && strings.HasSuffix(p.Name, ".weight"):
				data[i] = 1 + 0.2*v
			default:
				data[i] = 0.2 * v
			}
		}
	}
}

func randomTensor(seed int64, shape ...int) *tensor.Dense {
	r := rand.New(rand.NewSource(seed))
	backing := make([]float32, tensor.Shape(shape).TotalSize())
	for i := range backing {
		backing[i] = r.Float32()*2 - 1
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// reference recomputes the layer with plain loops over row-major data.
// update is (p, in) and input is (p*n, feat).
type reference struct {
	u    *Updator
	p, n int
}

func (ref reference) forward(update, input []float32) (gate, mixed, out []float32) {
	u := ref.u
	p, n := ref.p, ref.n
	rows := p * n
	h, feat := u.FeatChannels/2, u.FeatChannels

	params := ref.linear(update, p, u.dynamic)
	paramIn := make([]float32, p*h)
	paramOut := make([]float32, p*feat)
	for i := 0; i < p; i++ {
		copy(paramIn[i*h:(i+1)*h], params[i*(h+feat):i*(h+feat)+h])
		copy(paramOut[i*feat:(i+1)*feat], params[i*(h+feat)+h:(i+1)*(h+feat)])
	}

	inputIn := ref.linear(input, rows, u.input)
	gateFeats := make([]float32, rows*feat)
	for r := 0; r < rows; r++ {
		i := r / n
		copy(gateFeats[r*feat:r*feat+h], inputIn[r*h:(r+1)*h])
		copy(gateFeats[r*feat+h:(r+1)*feat], paramIn[i*h:(i+1)*h])
	}
	if u.GateNormAct {
		gateFeats = ref.act(ref.norm(gateFeats, rows, u.gateNorm))
	}

	gate = ref.norm(ref.linear(gateFeats, rows, u.gate), rows, u.normIn)
	if u.GateSigmoid {
		for i, v := range gate {
			gate[i] = 1 / (1 + math32.Exp(-v))
		}
	}

	paramOut = ref.norm(paramOut, p, u.normOut)
	if u.ActivateOut {
		paramOut = ref.act(paramOut)
	}

	mixed = make([]float32, rows*feat)
	for r := 0; r < rows; r++ {
		i := r / n
		for c := 0; c < feat; c++ {
			mixed[r*feat+c] = gate[r*feat+c]*paramOut[i*feat+c] + input[r*feat+c]
		}
	}

	out = ref.act(ref.norm(ref.linear(mixed, rows, u.fc), rows, u.fcNorm))
	return gate, mixed, out
}

func (ref reference) linear(x []float32, rows int, l *linear) []float32 {
	in, o := l.W.Shape()[0], l.W.Shape()[1]
	w := l.W.Data().([]float32)
	b := l.B.Data().([]float32)
	retVal := make([]float32, rows*o)
	for r := 0; r < rows; r++ {
		for j := 0; j < o; j++ {
			var sum float64
			for k := 0; k < in; k++ {
				sum += float64(x[r*in+k]) * float64(w[k*o+j])
			}
			retVal[r*o+j] = float32(sum) + b[j]
		}
	}
	return retVal
}

func (ref reference) norm(x []float32, rows int, n Norm) []float32 {
	width := n.Width()
	retVal := make([]float32, len(x))
	switch nm := n.(type) {
	case *layerNorm:
		g := nm.gamma.Data().([]float32)
		b := nm.beta.Data().([]float32)
		for r := 0; r < rows; r++ {
			row := x[r*width : (r+1)*width]
			mean := vecf32.Sum(row) / float32(width)
			var variance float32
			for _, v := range row {
				variance += (v - mean) * (v - mean)
			}
			variance /= float32(width)
			std := math32.Sqrt(variance + float32(nm.eps))
			for c, v := range row {
				retVal[r*width+c] = (v-mean)/std*g[c] + b[c]
			}
		}
	case *batchNorm:
		g := nm.gamma.Data().([]float32)
		b := nm.beta.Data().([]float32)
		mu := nm.mean.Data().([]float32)
		vr := nm.vari.Data().([]float32)
		for r := 0; r < rows; r++ {
			for c := 0; c < width; c++ {
				v := x[r*width+c]
				retVal[r*width+c] = (v-mu[c])/math32.Sqrt(vr[c]+float32(nm.eps))*g[c] + b[c]
			}
		}
	default:
		panic("unknown norm")
	}
	return retVal
}

func (ref reference) act(x []float32) []float32 {
	retVal := make([]float32, len(x))
	for i, v := range x {
		switch ref.u.Act.Type {
		case "ReLU":
			if v > 0 {
				retVal[i] = v
			}
		case "Sigmoid":
			retVal[i] = 1 / (1 + math32.Exp(-v))
		case "Tanh":
			retVal[i] = float32(math.Tanh(float64(v)))
		default:
			retVal[i] = v
		}
	}
	return retVal
}
