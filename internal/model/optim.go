package model

import "math"

// Optimizer applies one update to params given their gradients.
type Optimizer interface {
	Step(params, grads Params)
}

// SGD is stochastic gradient descent with classical momentum.
type SGD struct {
	LearningRate float64
	Momentum     float64

	velocity Params
}

// NewSGD returns an SGD optimizer.
func NewSGD(lr, momentum float64) *SGD {
	return &SGD{LearningRate: lr, Momentum: momentum}
}

// Step implements Optimizer: v = momentum*v + g; p -= lr*v.
func (o *SGD) Step(params, grads Params) {
	if o.velocity == nil {
		o.velocity = params.ZerosLike()
	}
	for name, p := range params {
		g, ok := grads[name]
		if !ok {
			continue
		}
		v := o.velocity[name].Data
		for i := range p.Data {
			v[i] = o.Momentum*v[i] + g.Data[i]
			p.Data[i] -= o.LearningRate * v[i]
		}
	}
}

// Adam is the Adam optimizer with bias correction.
type Adam struct {
	LearningRate float64
	Beta1, Beta2 float64
	Epsilon      float64

	m, v Params
	t    int
}

// NewAdam returns Adam with the usual defaults for the moment decay rates.
func NewAdam(lr float64) *Adam {
	return &Adam{LearningRate: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Step implements Optimizer.
func (o *Adam) Step(params, grads Params) {
	if o.m == nil {
		o.m = params.ZerosLike()
		o.v = params.ZerosLike()
	}
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for name, p := range params {
		g, ok := grads[name]
		if !ok {
			continue
		}
		m := o.m[name].Data
		v := o.v[name].Data
		for i := range p.Data {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g.Data[i]
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g.Data[i]*g.Data[i]
			p.Data[i] -= o.LearningRate * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.Epsilon)
		}
	}
}
