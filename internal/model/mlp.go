package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// ClassifierLayer is the name prefix of the output layer's parameters.
const ClassifierLayer = "classifier"

// MLP is a fully connected classifier with ReLU hidden layers. Parameters are
// named "layers.<i>.weight", "layers.<i>.bias" for hidden layer i and
// "classifier.weight", "classifier.bias" for the output layer. Weights are
// stored row-major as [out, in].
type MLP struct {
	arch   Architecture
	params Params
	layers []layer
}

type layer struct {
	weight, bias string
	in, out      int
	relu         bool
}

// NewMLP builds an MLP with weights drawn uniformly from
// [-1/sqrt(fan_in), 1/sqrt(fan_in)] using the given seed.
func NewMLP(arch Architecture, seed int64) (*MLP, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	m := newMLP(arch)
	rng := rand.New(rand.NewSource(seed))
	for _, l := range m.layers {
		bound := 1 / math.Sqrt(float64(l.in))
		for _, name := range []string{l.weight, l.bias} {
			t := m.params[name]
			for i := range t.Data {
				t.Data[i] = (2*rng.Float64() - 1) * bound
			}
		}
	}
	return m, nil
}

// newMLP allocates a zero-initialised MLP.
func newMLP(arch Architecture) *MLP {
	m := &MLP{
		arch:   Architecture{InputDim: arch.InputDim, HiddenDims: append([]int(nil), arch.HiddenDims...), NumClasses: arch.NumClasses},
		params: make(Params),
	}
	in := arch.InputDim
	for i, h := range arch.HiddenDims {
		m.layers = append(m.layers, layer{
			weight: fmt.Sprintf("layers.%d.weight", i),
			bias:   fmt.Sprintf("layers.%d.bias", i),
			in:     in,
			out:    h,
			relu:   true,
		})
		in = h
	}
	m.layers = append(m.layers, layer{
		weight: ClassifierLayer + ".weight",
		bias:   ClassifierLayer + ".bias",
		in:     in,
		out:    arch.NumClasses,
	})
	for _, l := range m.layers {
		m.params[l.weight] = NewTensor(l.out, l.in)
		m.params[l.bias] = NewTensor(l.out)
	}
	return m
}

// Architecture implements TrainableModel.
func (m *MLP) Architecture() Architecture { return m.arch }

// Params implements TrainableModel.
func (m *MLP) Params() Params { return m.params }

// Clone implements TrainableModel.
func (m *MLP) Clone() TrainableModel {
	c := newMLP(m.arch)
	for name, t := range m.params {
		copy(c.params[name].Data, t.Data)
	}
	return c
}

// Logits implements TrainableModel.
func (m *MLP) Logits(x []float64) []float64 {
	acts, _ := m.forward(x)
	return acts[len(acts)-1]
}

// forward returns the activations of every layer (acts[0] is the input, the
// last entry the logits) and the pre-activations of every layer.
func (m *MLP) forward(x []float64) (acts [][]float64, pre [][]float64) {
	if len(x) != m.arch.InputDim {
		panic(fmt.Sprintf("model: input has %d features, want %d", len(x), m.arch.InputDim))
	}
	acts = make([][]float64, 0, len(m.layers)+1)
	pre = make([][]float64, 0, len(m.layers))
	acts = append(acts, x)
	cur := x
	for _, l := range m.layers {
		w := m.params[l.weight].Data
		b := m.params[l.bias].Data
		z := make([]float64, l.out)
		for o := 0; o < l.out; o++ {
			z[o] = floats.Dot(w[o*l.in:(o+1)*l.in], cur) + b[o]
		}
		pre = append(pre, z)
		a := z
		if l.relu {
			a = make([]float64, l.out)
			for i, v := range z {
				if v > 0 {
					a[i] = v
				}
			}
		}
		acts = append(acts, a)
		cur = a
	}
	return acts, pre
}

// Backward implements TrainableModel.
func (m *MLP) Backward(x []float64, dLogits []float64, grads Params) {
	acts, pre := m.forward(x)
	delta := append([]float64(nil), dLogits...)
	for li := len(m.layers) - 1; li >= 0; li-- {
		l := m.layers[li]
		if l.relu {
			for i, z := range pre[li] {
				if z <= 0 {
					delta[i] = 0
				}
			}
		}
		in := acts[li]
		gw := grads[l.weight].Data
		gb := grads[l.bias].Data
		for o := 0; o < l.out; o++ {
			if delta[o] == 0 {
				continue
			}
			floats.AddScaled(gw[o*l.in:(o+1)*l.in], delta[o], in)
			gb[o] += delta[o]
		}
		if li == 0 {
			break
		}
		w := m.params[l.weight].Data
		next := make([]float64, l.in)
		for o := 0; o < l.out; o++ {
			if delta[o] == 0 {
				continue
			}
			floats.AddScaled(next, delta[o], w[o*l.in:(o+1)*l.in])
		}
		delta = next
	}
}
