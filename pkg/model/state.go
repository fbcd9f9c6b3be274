package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a plain serializable matrix.
type Tensor struct {
	Rows, Cols int
	Data       []float64
}

func DenseTensor(m *mat.Dense) Tensor {
	r, c := m.Dims()
	return Tensor{Rows: r, Cols: c, Data: mat.DenseCopyOf(m).RawMatrix().Data}
}

func VectorTensor(data []float64) Tensor {
	return Tensor{Rows: 1, Cols: len(data), Data: append([]float64(nil), data...)}
}

func (t Tensor) Dense() (*mat.Dense, error) {
	if t.Rows*t.Cols != len(t.Data) || len(t.Data) == 0 {
		return nil, fmt.Errorf("tensor %dx%d holds %d values", t.Rows, t.Cols, len(t.Data))
	}
	return mat.NewDense(t.Rows, t.Cols, append([]float64(nil), t.Data...)), nil
}

// State is the serializable state of a network.
type State struct {
	Metadata Metadata
	Weights  Tensor
}

func (n *Network) State() State {
	return State{Metadata: n.Metadata, Weights: DenseTensor(n.W)}
}

// NetworkFromState restores a network saved with State.
func NetworkFromState(s State) (*Network, error) {
	if err := s.Metadata.Validate(); err != nil {
		return nil, err
	}
	w, err := s.Weights.Dense()
	if err != nil {
		return nil, fmt.Errorf("error restoring weights: %w", err)
	}
	if r, c := w.Dims(); r != s.Metadata.NClass || c != s.Metadata.FeatureCount() {
		return nil, fmt.Errorf("weights are %dx%d, expected %dx%d", r, c, s.Metadata.NClass, s.Metadata.FeatureCount())
	}
	if s.Metadata.Labels.NameToIndex == nil {
		s.Metadata.Labels = NewNameMap()
	}
	return &Network{Metadata: s.Metadata, W: w, precision: Single}, nil
}
