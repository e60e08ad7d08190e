package schedulefree

import (
	"math"

	"github.com/pkg/errors"
)

var errBadDenominator = errors.New("invalid adaptive denominator (sqrt(vhat)+eps)")

// adamHyper carries the per-step scalars shared by every leaf.
type adamHyper struct {
	b1, b2       float64
	eps, epsRoot float64
	bc1, bc2     float64 // 1 - β^t
}

// adamLeaf is the working set for one leaf. mu and nu are owned by the new
// state and updated in place; dir receives the (unscaled) Adam direction
// plus decoupled decay.
type adamLeaf struct {
	g, params    []float64
	mu, nu       []float64
	dir, scratch []float64
	decay        float64
}

// elementWiseSquare computes x[i] = x[i]^2 for all i
func elementWiseSquare(x []float64) {
	for i := range x {
		x[i] *= x[i]
	}
}

// clampSqrtAddEps computes x[i] = sqrt(max(x[i]+epsRoot, 0)) + eps for all i
func clampSqrtAddEps(x []float64, epsRoot, eps float64) error {
	for i := range x {
		v := x[i] + epsRoot
		if v < 0 {
			v = 0
		}
		x[i] = math.Sqrt(v) + eps
		if !(x[i] > 0 && isFinite(x[i])) {
			return errBadDenominator
		}
	}
	return nil
}

// elementWiseDivide computes dst[i] = num[i] / den[i] for all i
func elementWiseDivide(dst, num, den []float64) {
	for i := range dst {
		dst[i] = num[i] / den[i]
	}
}

// momentUpdateFusion performs fused m and v moment updates in one pass:
// m[i] = beta1*m[i] + (1-beta1)*g[i]
// v[i] = beta2*v[i] + (1-beta2)*g[i]^2
func momentUpdateFusion(m, v, g []float64, beta1, beta2 float64) {
	oneMinusBeta1 := 1.0 - beta1
	oneMinusBeta2 := 1.0 - beta2

	for i := range m {
		gi := g[i]
		m[i] = beta1*m[i] + oneMinusBeta1*gi
		v[i] = beta2*v[i] + oneMinusBeta2*gi*gi
	}
}

// biasCorrectClampSqrtFusion performs fused bias correction + clamp + sqrt in one pass:
// result[i] = sqrt(max(src[i]/bc + epsRoot, 0)) + eps
func biasCorrectClampSqrtFusion(result, src []float64, bc, epsRoot, eps float64) error {
	invBC := 1.0 / bc

	for i := range result {
		val := src[i]*invBC + epsRoot
		if val < 0 {
			val = 0
		}
		result[i] = math.Sqrt(val) + eps
		if !(result[i] > 0 && isFinite(result[i])) {
			return errBadDenominator
		}
	}
	return nil
}

// adamDenominator is sqrt(max(v/bc2 + epsRoot, 0)) + eps for one element.
func adamDenominator(v float64, h adamHyper) float64 {
	vhat := v/h.bc2 + h.epsRoot
	if vhat < 0 {
		vhat = 0
	}
	return math.Sqrt(vhat) + h.eps
}

func addDecay(l adamLeaf) {
	if l.decay > 0 {
		axpyVector(l.decay, l.params, l.dir)
	}
}

// stepPureBLAS implements StrategyPureBLAS using minimal fusion
func stepPureBLAS(h adamHyper, l adamLeaf) error {
	// Step 1: moment updates using BLAS
	scaleVector(h.b1, l.mu)
	axpyVector(1.0-h.b1, l.g, l.mu)

	copyVector(l.g, l.scratch)
	elementWiseSquare(l.scratch)
	scaleVector(h.b2, l.nu)
	axpyVector(1.0-h.b2, l.scratch, l.nu)

	// Step 2: bias correction
	copyVector(l.mu, l.dir)
	scaleVector(1.0/h.bc1, l.dir)
	copyVector(l.nu, l.scratch)
	scaleVector(1.0/h.bc2, l.scratch)

	// Step 3: sqrt with clamp
	if err := clampSqrtAddEps(l.scratch, h.epsRoot, h.eps); err != nil {
		return err
	}

	// Step 4: direction and decoupled decay
	elementWiseDivide(l.dir, l.dir, l.scratch)
	addDecay(l)
	return nil
}

// stepFusion implements StrategyFusion using moderate kernel fusion
func stepFusion(h adamHyper, l adamLeaf) error {
	momentUpdateFusion(l.mu, l.nu, l.g, h.b1, h.b2)

	// Bias correction for m (separate, since it doesn't need sqrt)
	copyVector(l.mu, l.dir)
	scaleVector(1.0/h.bc1, l.dir)

	if err := biasCorrectClampSqrtFusion(l.scratch, l.nu, h.bc2, h.epsRoot, h.eps); err != nil {
		return err
	}

	elementWiseDivide(l.dir, l.dir, l.scratch)
	addDecay(l)
	return nil
}

// stepHeavyFusion computes moments, bias correction, direction and decay in
// one pass over the leaf.
func stepHeavyFusion(h adamHyper, l adamLeaf) error {
	oneMinusBeta1 := 1.0 - h.b1
	oneMinusBeta2 := 1.0 - h.b2
	for i, gi := range l.g {
		m := h.b1*l.mu[i] + oneMinusBeta1*gi
		v := h.b2*l.nu[i] + oneMinusBeta2*gi*gi
		l.mu[i], l.nu[i] = m, v

		den := adamDenominator(v, h)
		if !(den > 0 && isFinite(den)) {
			return errBadDenominator
		}
		d := (m / h.bc1) / den
		if l.decay > 0 {
			d += l.decay * l.params[i]
		}
		l.dir[i] = d
	}
	return nil
}

func runAdamKernel(s OptimizationStrategy, h adamHyper, l adamLeaf) error {
	switch s {
	case StrategyPureBLAS:
		return stepPureBLAS(h, l)
	case StrategyHeavyFusion:
		return stepHeavyFusion(h, l)
	default:
		return stepFusion(h, l)
	}
}
