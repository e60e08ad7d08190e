package schedulefree

import "math"

// ---------- helpers ----------

func almostEqual(a, b, absTol, relTol float64) bool {
	diff := math.Abs(a - b)
	if diff <= absTol {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= relTol*scale
}

func slicesAlmostEqual(a, b []float64, absTol, relTol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !almostEqual(a[i], b[i], absTol, relTol) {
			return false
		}
	}
	return true
}

func treesAlmostEqual(a, b Tree, absTol, relTol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !slicesAlmostEqual(a[i], b[i], absTol, relTol) {
			return false
		}
	}
	return true
}

// treesEqual is exact element equality.
func treesEqual(a, b Tree) bool {
	return treesAlmostEqual(a, b, 0, 0)
}

func clone(x []float64) []float64 {
	y := make([]float64, len(x))
	copy(y, x)
	return y
}

func nan() float64 { return math.NaN() }
func inf() float64 { return math.Inf(1) }
