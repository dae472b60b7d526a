package updator

import (
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

type slicer struct {
	v   tensor.View
	err error
}

// Slice returns a contiguous copy of the sliced region of a.
func (s *slicer) Slice(a *tensor.Dense, slices ...tensor.Slice) *tensor.Dense {
	if s.err != nil {
		return nil
	}
	if s.v, s.err = a.Slice(slices...); s.err != nil {
		s.err = errors.Wrapf(s.err, "Slicer failed") // get a stack trace
		return nil
	}
	return s.v.Materialize().(*tensor.Dense)
}

type rs struct {
	start, end, step int
}

func (s rs) Start() int { return s.start }
func (s rs) End() int   { return s.end }
func (s rs) Step() int  { return s.step }

// sli creates a ranged slice. It takes an optional step param.
func sli(start, end int, opts ...int) rs {
	step := 1
	if len(opts) > 0 {
		step = opts[0]
	}
	return rs{
		start: start,
		end:   end,
		step:  step,
	}
}

type manyErr []error

func (err manyErr) Error() string {
	msgs := make([]string, 0, len(err))
	for _, e := range err {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// filled returns a rows×cols float32 matrix with every element set to v.
func filled(rows, cols int, v float32) *tensor.Dense {
	backing := make([]float32, rows*cols)
	for i := range backing {
		backing[i] = v
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
}

// dense returns a contiguous float32 copy of t, so the caller's tensor is never reshaped or written.
func dense(t *tensor.Dense, name string) (*tensor.Dense, error) {
	if t == nil {
		return nil, errors.Wrapf(ErrShape, "%s is nil", name)
	}
	if t.Dtype() != Float {
		return nil, errors.Wrapf(ErrShape, "%s has dtype %v, expected %v", name, t.Dtype(), Float)
	}
	if t.IsMaterializable() {
		return t.Materialize().(*tensor.Dense), nil
	}
	return t.Clone().(*tensor.Dense), nil
}
