package model

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a named parameter: a flat row-major buffer plus its shape.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewTensor allocates a zero tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// Len is the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Params maps parameter names to tensors.
type Params map[string]*Tensor

// Names returns the parameter names in sorted order. Every aggregate over
// Params iterates in this order so results do not depend on map order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies every tensor.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for name, t := range p {
		out[name] = t.Clone()
	}
	return out
}

// ZerosLike allocates a zero tensor per parameter with matching shapes.
func (p Params) ZerosLike() Params {
	out := make(Params, len(p))
	for name, t := range p {
		out[name] = NewTensor(t.Shape...)
	}
	return out
}

// Zero resets every element to 0 in place.
func (p Params) Zero() {
	for _, t := range p {
		for i := range t.Data {
			t.Data[i] = 0
		}
	}
}

// Count is the total number of scalar parameters.
func (p Params) Count() int {
	n := 0
	for _, t := range p {
		n += t.Len()
	}
	return n
}

// Scale multiplies every element by c in place.
func (p Params) Scale(c float64) {
	for _, t := range p {
		floats.Scale(c, t.Data)
	}
}

// AddScaled performs p += c * q for every parameter present in both.
func (p Params) AddScaled(c float64, q Params) {
	for name, t := range p {
		if o, ok := q[name]; ok {
			floats.AddScaled(t.Data, c, o.Data)
		}
	}
}

// GlobalNorm is the L2 norm of all parameters taken together.
func (p Params) GlobalNorm() float64 {
	var sq float64
	for _, name := range p.Names() {
		d := p[name].Data
		sq += floats.Dot(d, d)
	}
	return math.Sqrt(sq)
}

// IsFinite reports whether every element is a finite number.
func (p Params) IsFinite() bool {
	for _, t := range p {
		for _, v := range t.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// ClipGradNorm rescales grads in place so their global L2 norm is at most
// maxNorm and returns the norm measured before clipping. A non-positive
// maxNorm disables clipping.
func ClipGradNorm(grads Params, maxNorm float64) float64 {
	total := grads.GlobalNorm()
	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		grads.Scale(coef)
	}
	return total
}
