package model

import "fmt"

// Volume is one case: a multi channel image and an optional voxel label map.
type Volume struct {
	Name string

	// Channels is the number of image channels
	Channels int

	// Shape holds the spatial extent, slowest axis first
	Shape []int

	// Image is laid out channel first, C x Shape
	Image []float32

	// Label holds one class index per voxel, nil when unlabeled
	Label []uint8
}

// NumVoxels is the number of voxels of one channel.
func (v *Volume) NumVoxels() int {
	n := 1
	for _, s := range v.Shape {
		n *= s
	}
	return n
}

func (v *Volume) HasLabel() bool {
	return v.Label != nil
}

func (v *Volume) Validate() error {
	if v.Channels < 1 || len(v.Shape) == 0 {
		return fmt.Errorf("case %s: empty volume", v.Name)
	}
	if len(v.Image) != v.Channels*v.NumVoxels() {
		return fmt.Errorf("case %s: image has %d values, expected %d", v.Name, len(v.Image), v.Channels*v.NumVoxels())
	}
	if v.Label != nil && len(v.Label) != v.NumVoxels() {
		return fmt.Errorf("case %s: label has %d values, expected %d", v.Name, len(v.Label), v.NumVoxels())
	}
	return nil
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// flipPermutation maps every voxel to its mirror along axes. A flip is its own
// inverse, so the same permutation also undoes it.
func flipPermutation(shape []int, axes []int) []int {
	st := strides(shape)
	n := 1
	for _, s := range shape {
		n *= s
	}
	perm := make([]int, n)
	for v := range perm {
		target := v
		for _, a := range axes {
			coord := (v / st[a]) % shape[a]
			target += (shape[a] - 1 - 2*coord) * st[a]
		}
		perm[v] = target
	}
	return perm
}

// Flip returns a copy of the volume mirrored along the given spatial axes.
func (v *Volume) Flip(axes []int) *Volume {
	perm := flipPermutation(v.Shape, axes)
	n := len(perm)
	out := &Volume{
		Name:     v.Name,
		Channels: v.Channels,
		Shape:    append([]int(nil), v.Shape...),
		Image:    make([]float32, len(v.Image)),
	}
	for c := 0; c < v.Channels; c++ {
		src := v.Image[c*n : (c+1)*n]
		dst := out.Image[c*n : (c+1)*n]
		for i, j := range perm {
			dst[j] = src[i]
		}
	}
	if v.Label != nil {
		out.Label = make([]uint8, n)
		for i, j := range perm {
			out.Label[j] = v.Label[i]
		}
	}
	return out
}
