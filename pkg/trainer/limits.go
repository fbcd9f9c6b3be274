package trainer

// BatchLimit bounds the number of batches a loop runs, either as a count or as
// a fraction of the loader.
type BatchLimit struct {
	Count    int
	Fraction float64
}

// LimitBatches limits a loop to n batches. n == 0 runs every batch.
func LimitBatches(n int) BatchLimit {
	if n <= 0 {
		return AllBatches
	}
	return BatchLimit{Count: n}
}

// LimitFraction limits a loop to a fraction of its batches.
func LimitFraction(f float64) BatchLimit {
	return BatchLimit{Fraction: f}
}

// AllBatches runs the whole loader.
var AllBatches = BatchLimit{Fraction: 1}

// Resolve returns the number of batches to run out of total.
func (l BatchLimit) Resolve(total int) int {
	switch {
	case l.Count > 0:
		if l.Count < total {
			return l.Count
		}
		return total
	case l.Fraction > 0 && l.Fraction < 1:
		n := int(l.Fraction * float64(total))
		if n < 1 && total > 0 {
			n = 1
		}
		return n
	default:
		return total
	}
}
