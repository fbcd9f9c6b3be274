package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// testVolume has a bright square labeled 1 on a dark background.
func testVolume(name string, size int) *Volume {
	v := &Volume{
		Name:     name,
		Channels: 2,
		Shape:    []int{2, size, size},
		Image:    make([]float32, 2*2*size*size),
		Label:    make([]uint8, 2*size*size),
	}
	n := v.NumVoxels()
	for z := 0; z < 2; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				i := (z*size+y)*size + x
				if y >= size/4 && y < 3*size/4 && x >= size/4 && x < 3*size/4 {
					v.Label[i] = 1
					v.Image[i] = 1
					v.Image[n+i] = 0.5
				}
			}
		}
	}
	return v
}

func testNetwork(t *testing.T) *Network {
	t.Helper()
	n, err := NewNetwork(*NewMetadata(2, 2, 2), rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	return n
}

func TestFeatures(t *testing.T) {
	v := &Volume{Name: "f", Channels: 1, Shape: []int{2, 2}, Image: []float32{1, 3, 4, 8}}
	x, err := Features(v, 2)
	require.NoError(t, err)
	rows, cols := x.Dims()
	require.Equal(t, 4, rows)
	require.Equal(t, 4, cols)
	// intensity, difference along axis 0, difference along axis 1, bias
	require.Equal(t, []float64{1, 3, 2, 1}, mat.Row(nil, 0, x))
	require.Equal(t, []float64{3, 5, 0, 1}, mat.Row(nil, 1, x))
	require.Equal(t, []float64{8, 0, 0, 1}, mat.Row(nil, 3, x))

	_, err = Features(v, 3)
	require.Error(t, err)
}

func TestFlipIsInvolution(t *testing.T) {
	v := testVolume("flip", 4)
	v.Image[1] = 7
	for _, axes := range flipCombinations(len(v.Shape), 3) {
		back := v.Flip(axes).Flip(axes)
		require.Equal(t, v.Image, back.Image)
		require.Equal(t, v.Label, back.Label)
	}
	flipped := v.Flip([]int{2})
	require.Equal(t, float32(7), flipped.Image[2])
}

func TestFlipCombinations(t *testing.T) {
	require.Len(t, flipCombinations(3, 3), 7)
	require.Equal(t, [][]int{{1}, {2}, {1, 2}}, flipCombinations(3, 2))
}

func TestTrainingReducesLoss(t *testing.T) {
	for _, name := range []string{"adam", "sgd"} {
		t.Run(name, func(t *testing.T) {
			n := testNetwork(t)
			opt, err := NewOptimizer(name, 0.1, 0.9, 0)
			require.NoError(t, err)
			v := testVolume("train", 8)

			first, grad, err := n.Backward(v)
			require.NoError(t, err)
			for i := 0; i < 50; i++ {
				opt.Step(n.W, grad)
				_, grad, err = n.Backward(v)
				require.NoError(t, err)
			}
			last, _, err := n.Backward(v)
			require.NoError(t, err)
			require.Less(t, last, first)

			probs, err := n.Predict(v, false)
			require.NoError(t, err)
			counter := NewDiceCounter(2)
			counter.Update(Argmax(probs), v.Label)
			require.Greater(t, counter.Mean(), 80.0)
		})
	}
}

func TestBackwardRequiresLabel(t *testing.T) {
	n := testNetwork(t)
	v := testVolume("unlabeled", 4)
	v.Label = nil
	_, _, err := n.Backward(v)
	require.Error(t, err)
}

func TestPredictTTA(t *testing.T) {
	n := testNetwork(t)
	v := testVolume("tta", 4)
	probs, err := n.Predict(v, true)
	require.NoError(t, err)
	rows, cols := probs.Dims()
	require.Equal(t, v.NumVoxels(), rows)
	require.Equal(t, 2, cols)
	for i := 0; i < rows; i++ {
		require.InDelta(t, 1.0, probs.At(i, 0)+probs.At(i, 1), 1e-9)
	}
}

func TestHalfPrecision(t *testing.T) {
	n := testNetwork(t)
	v := testVolume("amp", 4)
	single, err := n.Forward(v)
	require.NoError(t, err)
	n.SetPrecision(Half)
	half, err := n.Forward(v)
	require.NoError(t, err)
	require.True(t, mat.EqualApprox(single, half, 1e-2))
}

func TestDiceCounter(t *testing.T) {
	d := NewDiceCounter(3)
	d.Update([]uint8{0, 1, 1, 2, 0}, []uint8{0, 1, 0, 0, 0})
	// class 1: TP 1 FP 1 FN 0, class 2: FP 1
	require.InDelta(t, 100*2.0/3.0, d.PerClass()[0], 1e-9)
	require.InDelta(t, 0.0, d.PerClass()[1], 1e-9)
	require.InDelta(t, 100.0/3.0, d.Mean(), 1e-9)

	empty := NewDiceCounter(2)
	empty.Update([]uint8{0, 0}, []uint8{0, 0})
	require.Equal(t, 100.0, empty.Mean())
}

func TestStateRoundTrip(t *testing.T) {
	n := testNetwork(t)
	n.Labels.Set("tumor", 1)
	restored, err := NetworkFromState(n.State())
	require.NoError(t, err)
	require.True(t, mat.Equal(n.W, restored.W))
	require.Equal(t, "tumor", restored.Labels.Name(1))

	bad := n.State()
	bad.Metadata.NClass = 3
	_, err = NetworkFromState(bad)
	require.Error(t, err)
}

func TestOptimizerState(t *testing.T) {
	n := testNetwork(t)
	opt, err := NewOptimizer("adam", 0.01, 0, 0.0001)
	require.NoError(t, err)
	_, grad, err := n.Backward(testVolume("s", 4))
	require.NoError(t, err)
	opt.Step(n.W, grad)

	other, err := NewOptimizer("adam", 0.01, 0, 0.0001)
	require.NoError(t, err)
	require.NoError(t, other.LoadState(opt.State()))
	require.Equal(t, 1, other.State().Step)

	sgd, err := NewOptimizer("sgd", 0.01, 0.9, 0)
	require.NoError(t, err)
	require.Error(t, sgd.LoadState(opt.State()))

	_, err = NewOptimizer("lamb", 0.01, 0, 0)
	require.Error(t, err)
}

func TestClipGradNorm(t *testing.T) {
	g := mat.NewDense(1, 2, []float64{3, 4})
	require.InDelta(t, 5.0, ClipGradNorm(g, 1), 1e-9)
	require.InDelta(t, 1.0, mat.Norm(g, 2), 1e-5)

	g = mat.NewDense(1, 2, []float64{3, 4})
	ClipGradNorm(g, 0)
	require.InDelta(t, 5.0, mat.Norm(g, 2), 1e-9)
}

func TestSummary(t *testing.T) {
	n := testNetwork(t)
	require.Len(t, n.Summary(1), 2)
	layers := n.Summary(2)
	require.Len(t, layers, 6)
	require.Equal(t, n.NumParams(), layers[3].Params)
	require.Equal(t, n.NumParams(), layers[4].Params)
}
