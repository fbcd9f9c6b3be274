package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"nnunet/pkg/utils"
)

// Network is a voxel wise softmax classifier over local intensity features.
type Network struct {
	Metadata

	// W holds one row of feature weights per class, the last column is the bias
	W *mat.Dense

	precision int
}

// NewNetwork creates a network with Xavier uniform initialized weights.
func NewNetwork(meta Metadata, rng *rand.Rand) (*Network, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	numFeatures := meta.FeatureCount()
	limit := math.Sqrt(6 / float64(numFeatures+meta.NClass))
	data := make([]float64, meta.NClass*numFeatures)
	for i := range data {
		if (i+1)%numFeatures == 0 {
			continue // bias
		}
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return &Network{
		Metadata:  meta,
		W:         mat.NewDense(meta.NClass, numFeatures, data),
		precision: Single,
	}, nil
}

// SetPrecision selects Half or Single precision for the forward pass.
func (n *Network) SetPrecision(precision int) {
	n.precision = precision
}

func (n *Network) Precision() int {
	if n.precision == 0 {
		return Single
	}
	return n.precision
}

// NumParams is the number of trainable parameters.
func (n *Network) NumParams() int {
	r, c := n.W.Dims()
	return r * c
}

// forward returns the design matrix and the V x NClass class probabilities.
func (n *Network) forward(v *Volume) (*mat.Dense, *mat.Dense, error) {
	if v.Channels != n.InChannels {
		return nil, nil, fmt.Errorf("case %s: %d channels, network expects %d", v.Name, v.Channels, n.InChannels)
	}
	x, err := Features(v, n.Dim)
	if err != nil {
		return nil, nil, err
	}
	precision := n.Precision()
	if precision == Half {
		roundTo(x, precision)
	}

	voxels, numFeatures := x.Dims()
	probs := mat.NewDense(voxels, n.NClass, nil)
	tile := utils.Granularity()
	if tile <= 0 {
		tile = voxels
	}
	for start := 0; start < voxels; start += tile {
		end := start + tile
		if end > voxels {
			end = voxels
		}
		xs := x.Slice(start, end, 0, numFeatures)
		logits := probs.Slice(start, end, 0, n.NClass).(*mat.Dense)
		logits.Mul(xs, n.W.T())
	}
	if precision == Half {
		roundTo(probs, precision)
	}
	softmaxRows(probs)
	return x, probs, nil
}

// Forward returns the V x NClass class probabilities of every voxel.
func (n *Network) Forward(v *Volume) (*mat.Dense, error) {
	_, probs, err := n.forward(v)
	return probs, err
}

// Backward computes the mean voxel cross entropy of a labeled volume and its
// gradient with respect to W.
func (n *Network) Backward(v *Volume) (float64, *mat.Dense, error) {
	if !v.HasLabel() {
		return 0, nil, fmt.Errorf("case %s: no label to train on", v.Name)
	}
	x, probs, err := n.forward(v)
	if err != nil {
		return 0, nil, err
	}
	voxels, _ := probs.Dims()
	loss := 0.0
	for i := 0; i < voxels; i++ {
		target := int(v.Label[i])
		if target >= n.NClass {
			return 0, nil, fmt.Errorf("case %s: label %d out of range for %d classes", v.Name, target, n.NClass)
		}
		loss -= math.Log(math.Max(probs.At(i, target), 1e-12))
		probs.Set(i, target, probs.At(i, target)-1)
	}
	grad := &mat.Dense{}
	grad.Mul(probs.T(), x)
	grad.Scale(1/float64(voxels), grad)
	return loss / float64(voxels), grad, nil
}

// Loss is the mean voxel cross entropy of a labeled volume.
func (n *Network) Loss(v *Volume, probs *mat.Dense) (float64, error) {
	voxels, classes := probs.Dims()
	loss := 0.0
	for i := 0; i < voxels; i++ {
		target := int(v.Label[i])
		if target >= classes {
			return 0, fmt.Errorf("case %s: label %d out of range for %d classes", v.Name, target, classes)
		}
		loss -= math.Log(math.Max(probs.At(i, target), 1e-12))
	}
	return loss / float64(voxels), nil
}

// Predict returns class probabilities, averaged over every mirrored version
// of the volume when tta is set.
func (n *Network) Predict(v *Volume, tta bool) (*mat.Dense, error) {
	probs, err := n.Forward(v)
	if err != nil || !tta {
		return probs, err
	}
	flips := flipCombinations(len(v.Shape), n.Dim)
	voxels, classes := probs.Dims()
	for _, axes := range flips {
		flipped, err := n.Forward(v.Flip(axes))
		if err != nil {
			return nil, err
		}
		perm := flipPermutation(v.Shape, axes)
		for i := 0; i < voxels; i++ {
			for c := 0; c < classes; c++ {
				probs.Set(i, c, probs.At(i, c)+flipped.At(perm[i], c))
			}
		}
	}
	probs.Scale(1/float64(len(flips)+1), probs)
	return probs, nil
}

// flipCombinations lists every non empty subset of the last dim axes.
func flipCombinations(rank, dim int) [][]int {
	var result [][]int
	first := rank - dim
	for mask := 1; mask < 1<<dim; mask++ {
		var axes []int
		for k := 0; k < dim; k++ {
			if mask&(1<<k) != 0 {
				axes = append(axes, first+k)
			}
		}
		result = append(result, axes)
	}
	return result
}

// Argmax returns the most likely class of every voxel.
func Argmax(probs *mat.Dense) []uint8 {
	voxels, classes := probs.Dims()
	result := make([]uint8, voxels)
	for i := 0; i < voxels; i++ {
		best := 0
		for c := 1; c < classes; c++ {
			if probs.At(i, c) > probs.At(i, best) {
				best = c
			}
		}
		result[i] = uint8(best)
	}
	return result
}

func softmaxRows(m *mat.Dense) {
	raw := m.RawMatrix()
	for r := 0; r < raw.Rows; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols]
		maxLogit := row[0]
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sum := 0.0
		for i, v := range row {
			row[i] = math.Exp(v - maxLogit)
			sum += row[i]
		}
		for i := range row {
			row[i] /= sum
		}
	}
}
