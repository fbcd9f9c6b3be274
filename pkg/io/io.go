package io

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"nnunet/pkg/model"
)

// File name suffixes of the image and label arrays of a case.
const (
	ImageSuffix = "_x.npy"
	LabelSuffix = "_y.npy"
)

// DataError reports a case that could not be used.
type DataError struct {
	Case  string
	Error string
}

// ListCases returns the sorted names of every case with an image array in dir.
func ListCases(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+ImageSuffix))
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", dir, err)
	}
	cases := make([]string, 0, len(paths))
	for _, p := range paths {
		cases = append(cases, strings.TrimSuffix(filepath.Base(p), ImageSuffix))
	}
	sort.Strings(cases)
	return cases, nil
}

// HasLabel reports whether a label array exists for the case.
func HasLabel(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name+LabelSuffix))
	return err == nil
}

// LoadVolume reads the image of a case and, when present, its label. Images
// are float32 arrays shaped C x spatial, labels uint8 arrays shaped 1 x spatial.
func LoadVolume(dir, name string) (*model.Volume, error) {
	var image []float32
	shape, err := readNpy(filepath.Join(dir, name+ImageSuffix), &image)
	if err != nil {
		return nil, err
	}
	if len(shape) < 2 {
		return nil, fmt.Errorf("case %s: image must be shaped channels x spatial, got %v", name, shape)
	}
	v := &model.Volume{
		Name:     name,
		Channels: shape[0],
		Shape:    shape[1:],
		Image:    image,
	}

	if HasLabel(dir, name) {
		var label []uint8
		labelShape, err := readNpy(filepath.Join(dir, name+LabelSuffix), &label)
		if err != nil {
			return nil, err
		}
		if len(labelShape) == len(v.Shape)+1 && labelShape[0] == 1 {
			labelShape = labelShape[1:]
		}
		if !equalShape(labelShape, v.Shape) {
			return nil, fmt.Errorf("case %s: label shape %v does not match image shape %v", name, labelShape, v.Shape)
		}
		v.Label = label
	}
	return v, v.Validate()
}

func readNpy(path string, ptr interface{}) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	r, err := npyio.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("error reading npy header of %s: %w", path, err)
	}
	if r.Header.Descr.Fortran {
		return nil, fmt.Errorf("%s: fortran ordered arrays are not supported", path)
	}
	if err := r.Read(ptr); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return append([]int(nil), r.Header.Descr.Shape...), nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LoadLabelNames reads the class names of the "labels" object of dataset.json
// in dir. A missing file yields an empty map.
func LoadLabelNames(dir string) (model.NameMap, error) {
	names := model.NewNameMap()
	f, err := os.Open(filepath.Join(dir, "dataset.json"))
	if os.IsNotExist(err) {
		return names, nil
	}
	if err != nil {
		return names, fmt.Errorf("error opening dataset.json: %w", err)
	}
	defer f.Close()

	var descriptor struct {
		Labels map[string]string `json:"labels"`
	}
	if err := json.NewDecoder(f).Decode(&descriptor); err != nil {
		return names, fmt.Errorf("error decoding dataset.json: %w", err)
	}
	for key, name := range descriptor.Labels {
		index, err := strconv.Atoi(key)
		if err != nil {
			return names, fmt.Errorf("dataset.json: invalid label index %q", key)
		}
		names.Set(name, index)
	}
	return names, nil
}

// WriteNpy writes data as a little endian C ordered npy array of the given
// shape. data must be a []float32, []float64 or []uint8.
func WriteNpy(w io.Writer, shape []int, data interface{}) error {
	var descr string
	var n int
	switch d := data.(type) {
	case []float32:
		descr, n = "<f4", len(d)
	case []float64:
		descr, n = "<f8", len(d)
	case []uint8:
		descr, n = "|u1", len(d)
	default:
		return fmt.Errorf("unsupported npy element type %T", data)
	}
	size := 1
	dims := make([]string, len(shape))
	for i, s := range shape {
		size *= s
		dims[i] = strconv.Itoa(s)
	}
	if size != n {
		return fmt.Errorf("shape %v holds %d values, got %d", shape, size, n)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)
	// magic (6) + version (2) + header length (2) + header, padded to 64 bytes
	padding := 64 - (10+len(header)+1)%64
	if padding == 64 {
		padding = 0
	}
	header += strings.Repeat(" ", padding) + "\n"

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("\x93NUMPY\x01\x00"); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := bw.WriteString(header); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("error writing npy data: %w", err)
	}
	return bw.Flush()
}

// WriteNpyFile writes an npy array to path.
func WriteNpyFile(path string, shape []int, data interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	if err := WriteNpy(f, shape, data); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return f.Close()
}

// SaveVolume writes a case in the layout LoadVolume reads.
func SaveVolume(dir string, v *model.Volume) error {
	shape := append([]int{v.Channels}, v.Shape...)
	if err := WriteNpyFile(filepath.Join(dir, v.Name+ImageSuffix), shape, v.Image); err != nil {
		return err
	}
	if v.Label == nil {
		return nil
	}
	return WriteNpyFile(filepath.Join(dir, v.Name+LabelSuffix), append([]int{1}, v.Shape...), v.Label)
}

// SavePrediction writes the V x K class probabilities of a case as a float32
// array shaped K x spatial to <dir>/<case>.npy.
func SavePrediction(dir string, v *model.Volume, probs *mat.Dense) error {
	voxels, classes := probs.Dims()
	if voxels != v.NumVoxels() {
		return fmt.Errorf("case %s: %d predictions for %d voxels", v.Name, voxels, v.NumVoxels())
	}
	data := make([]float32, classes*voxels)
	for c := 0; c < classes; c++ {
		for i := 0; i < voxels; i++ {
			data[c*voxels+i] = float32(probs.At(i, c))
		}
	}
	shape := append([]int{classes}, v.Shape...)
	return WriteNpyFile(filepath.Join(dir, v.Name+".npy"), shape, data)
}
