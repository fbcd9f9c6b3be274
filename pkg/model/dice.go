package model

// ClassCounts counts voxel agreement for one class.
type ClassCounts struct {
	TruePos  int
	FalsePos int
	FalseNeg int
}

// Dice returns 2TP / (2TP + FP + FN), or 1 when the class is absent from both
// prediction and ground truth.
func (c ClassCounts) Dice() float64 {
	denominator := 2*c.TruePos + c.FalsePos + c.FalseNeg
	if denominator == 0 {
		return 1
	}
	return 2 * float64(c.TruePos) / float64(denominator)
}

// DiceCounter accumulates per class counts over many volumes. Class 0 is
// background and is not scored.
type DiceCounter struct {
	Classes []ClassCounts
}

func NewDiceCounter(nClass int) *DiceCounter {
	return &DiceCounter{Classes: make([]ClassCounts, nClass)}
}

// Update adds the agreement between a prediction and its label.
func (d *DiceCounter) Update(prediction, label []uint8) {
	for i := range prediction {
		p, l := int(prediction[i]), int(label[i])
		if p == l {
			if p > 0 && p < len(d.Classes) {
				d.Classes[p].TruePos++
			}
			continue
		}
		if p > 0 && p < len(d.Classes) {
			d.Classes[p].FalsePos++
		}
		if l > 0 && l < len(d.Classes) {
			d.Classes[l].FalseNeg++
		}
	}
}

// PerClass returns the dice score in percent of every foreground class.
func (d *DiceCounter) PerClass() []float64 {
	if len(d.Classes) < 2 {
		return nil
	}
	result := make([]float64, len(d.Classes)-1)
	for c := 1; c < len(d.Classes); c++ {
		result[c-1] = 100 * d.Classes[c].Dice()
	}
	return result
}

// Mean returns the mean foreground dice score in percent.
func (d *DiceCounter) Mean() float64 {
	scores := d.PerClass()
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}
