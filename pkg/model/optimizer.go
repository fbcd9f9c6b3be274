package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Optimizer updates weights in place from their gradient.
type Optimizer interface {
	Step(w, grad *mat.Dense)
	State() OptimizerState
	LoadState(s OptimizerState) error
}

// OptimizerState is the serializable state of an optimizer.
type OptimizerState struct {
	Name    string
	Step    int
	Buffers []Tensor
}

// NewOptimizer creates the named optimizer: "adam" or "sgd".
func NewOptimizer(name string, learningRate, momentum, weightDecay float64) (Optimizer, error) {
	switch name {
	case "adam":
		return &Adam{LearningRate: learningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: weightDecay}, nil
	case "sgd":
		return &SGD{LearningRate: learningRate, Momentum: momentum, WeightDecay: weightDecay}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// Adam with L2 weight decay added to the gradient.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	t int
	m []float64
	v []float64
}

func (o *Adam) Step(w, grad *mat.Dense) {
	weights := w.RawMatrix().Data
	g := append([]float64(nil), grad.RawMatrix().Data...)
	if o.WeightDecay != 0 {
		floats.AddScaled(g, o.WeightDecay, weights)
	}
	if o.m == nil {
		o.m = make([]float64, len(g))
		o.v = make([]float64, len(g))
	}
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for i, gi := range g {
		o.m[i] = o.Beta1*o.m[i] + (1-o.Beta1)*gi
		o.v[i] = o.Beta2*o.v[i] + (1-o.Beta2)*gi*gi
		weights[i] -= o.LearningRate * (o.m[i] / c1) / (math.Sqrt(o.v[i]/c2) + o.Epsilon)
	}
}

func (o *Adam) State() OptimizerState {
	return OptimizerState{
		Name:    "adam",
		Step:    o.t,
		Buffers: []Tensor{VectorTensor(o.m), VectorTensor(o.v)},
	}
}

func (o *Adam) LoadState(s OptimizerState) error {
	if s.Name != "adam" || len(s.Buffers) != 2 {
		return fmt.Errorf("cannot load %s optimizer state into adam", s.Name)
	}
	o.t = s.Step
	o.m = s.Buffers[0].Data
	o.v = s.Buffers[1].Data
	return nil
}

// SGD with momentum and L2 weight decay.
type SGD struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64

	t   int
	buf []float64
}

func (o *SGD) Step(w, grad *mat.Dense) {
	weights := w.RawMatrix().Data
	g := append([]float64(nil), grad.RawMatrix().Data...)
	if o.WeightDecay != 0 {
		floats.AddScaled(g, o.WeightDecay, weights)
	}
	if o.buf == nil {
		o.buf = append([]float64(nil), g...)
	} else {
		floats.Scale(o.Momentum, o.buf)
		floats.Add(o.buf, g)
	}
	o.t++
	floats.AddScaled(weights, -o.LearningRate, o.buf)
}

func (o *SGD) State() OptimizerState {
	return OptimizerState{Name: "sgd", Step: o.t, Buffers: []Tensor{VectorTensor(o.buf)}}
}

func (o *SGD) LoadState(s OptimizerState) error {
	if s.Name != "sgd" || len(s.Buffers) != 1 {
		return fmt.Errorf("cannot load %s optimizer state into sgd", s.Name)
	}
	o.t = s.Step
	o.buf = s.Buffers[0].Data
	return nil
}

// ClipGradNorm rescales grad so that its L2 norm is at most maxNorm and
// returns the norm before clipping. A non positive maxNorm disables clipping.
func ClipGradNorm(grad *mat.Dense, maxNorm float64) float64 {
	norm := mat.Norm(grad, 2)
	if maxNorm > 0 && norm > maxNorm {
		grad.Scale(maxNorm/(norm+1e-6), grad)
	}
	return norm
}
