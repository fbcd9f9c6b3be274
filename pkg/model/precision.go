package model

import (
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// Supported floating point precisions.
const (
	Half   = 16
	Single = 32
)

// roundTo rounds every element of m in place to what the given precision can represent.
func roundTo(m *mat.Dense, precision int) {
	raw := m.RawMatrix()
	for r := 0; r < raw.Rows; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols]
		for i, x := range row {
			if precision == Half {
				row[i] = float64(float16.Fromfloat32(float32(x)).Float32())
			} else {
				row[i] = float64(float32(x))
			}
		}
	}
}
