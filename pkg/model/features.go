package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Features builds the V x F design matrix of a volume: per voxel the channel
// intensities, the forward difference of every channel along each of the last
// dim spatial axes (zero on the far border) and a constant bias input.
func Features(v *Volume, dim int) (*mat.Dense, error) {
	if len(v.Shape) < dim {
		return nil, fmt.Errorf("case %s: %d spatial axes, network expects at least %d", v.Name, len(v.Shape), dim)
	}
	n := v.NumVoxels()
	numFeatures := v.Channels*(1+dim) + 1
	data := make([]float64, n*numFeatures)

	st := strides(v.Shape)
	axes := make([]int, dim)
	for i := range axes {
		axes[i] = len(v.Shape) - dim + i
	}

	for voxel := 0; voxel < n; voxel++ {
		row := data[voxel*numFeatures : (voxel+1)*numFeatures]
		for c := 0; c < v.Channels; c++ {
			value := float64(v.Image[c*n+voxel])
			row[c] = value
			for k, a := range axes {
				coord := (voxel / st[a]) % v.Shape[a]
				if coord < v.Shape[a]-1 {
					row[v.Channels+c*dim+k] = float64(v.Image[c*n+voxel+st[a]]) - value
				}
			}
		}
		row[numFeatures-1] = 1
	}
	return mat.NewDense(n, numFeatures, data), nil
}
