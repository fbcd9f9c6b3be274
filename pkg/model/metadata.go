package model

import "fmt"

// NameMap implements a bidirectional mapping between a name and an index
type NameMap struct {
	NameToIndex map[string]int
	IndexToName map[int]string
}

func (f NameMap) Set(name string, index int) {
	f.NameToIndex[name] = index
	f.IndexToName[index] = name
}

func (f NameMap) Size() int {
	return len(f.IndexToName)
}

func (f NameMap) ContainsName(name string) (int, bool) {
	index, ok := f.NameToIndex[name]
	return index, ok
}

// Name returns the name registered for index, or the index itself when unnamed.
func (f NameMap) Name(index int) string {
	if name, ok := f.IndexToName[index]; ok {
		return name
	}
	return fmt.Sprintf("%d", index)
}

func NewNameMap() NameMap {
	return NameMap{
		NameToIndex: map[string]int{},
		IndexToName: map[int]string{},
	}
}

// Metadata describes the data a network is built for.
type Metadata struct {
	// InChannels is the number of image modalities per voxel
	InChannels int

	// NClass is the number of segmentation classes, background included
	NClass int

	// Dim is the number of trailing spatial axes the network looks at
	Dim int

	// Labels maps class indexes to class names
	Labels NameMap
}

func NewMetadata(inChannels, nClass, dim int) *Metadata {
	return &Metadata{
		InChannels: inChannels,
		NClass:     nClass,
		Dim:        dim,
		Labels:     NewNameMap(),
	}
}

// FeatureCount is the number of per voxel features: the intensities, one
// forward difference per channel and axis, and the bias term.
func (d *Metadata) FeatureCount() int {
	return d.InChannels*(1+d.Dim) + 1
}

func (d *Metadata) Validate() error {
	if d.InChannels < 1 {
		return fmt.Errorf("invalid number of input channels %d", d.InChannels)
	}
	if d.NClass < 2 {
		return fmt.Errorf("at least two classes are required (got %d)", d.NClass)
	}
	if d.Dim != 2 && d.Dim != 3 {
		return fmt.Errorf("dim must be 2 or 3 (got %d)", d.Dim)
	}
	return nil
}
