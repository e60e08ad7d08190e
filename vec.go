package schedulefree

import "gonum.org/v1/gonum/blas/blas64"

// toVector creates a blas64.Vector from a float64 slice for BLAS operations
func toVector(data []float64) blas64.Vector {
	return blas64.Vector{N: len(data), Data: data, Inc: 1}
}

// BLAS-optimized vector operations
func scaleVector(alpha float64, x []float64) {
	blas64.Scal(alpha, toVector(x))
}

func axpyVector(alpha float64, x, y []float64) {
	// y = alpha*x + y
	blas64.Axpy(alpha, toVector(x), toVector(y))
}

func copyVector(x, y []float64) {
	blas64.Copy(toVector(x), toVector(y))
}
