package schedulefree

import (
	"math"
	"testing"
)

// clamp helpers
func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func clampBeta(x float64) float64 {
	return clamp(x, 0.0, 1.0-1e-12)
}

func buildGradient(dim int, mag float64) []float64 {
	g := make([]float64, dim)
	for i := 0; i < dim; i++ {
		// Deterministic pattern with extremes:
		// mixture of zeros, tiny, big, and alternating signs
		val := mag * math.Sin(float64(i)*1.731+0.123)
		if i%7 == 0 {
			val = mag * 1e-12
		}
		if i%11 == 0 {
			val = -mag
		}
		if i%13 == 0 {
			val = 0.0
		}
		g[i] = val
	}
	return g
}

func buildParams(dim int) []float64 {
	p := make([]float64, dim)
	for i := 0; i < dim; i++ {
		p[i] = 1e-2 * math.Cos(float64(i)*0.777+0.456)
	}
	return p
}

// splitLeaves cuts a flat slice into a tree with leaves of at most 5 elements.
func splitLeaves(flat []float64) Tree {
	var tr Tree
	for len(flat) > 0 {
		n := 5
		if n > len(flat) {
			n = len(flat)
		}
		tr = append(tr, clone(flat[:n]))
		flat = flat[n:]
	}
	return tr
}

// chooseSchedule returns either a constant learning rate or lr scaled by
// cosine annealing with warm restarts.
func chooseSchedule(useCosine bool, lr, knob float64, stepsHint int) Schedule {
	if !useCosine {
		return Constant(lr)
	}
	period := stepsHint
	if period < 2 {
		period = 2
	}
	if period > 256 {
		period = 256
	}
	tmult := 1.0 + math.Mod(math.Abs(knob), 2.0) // in [1,3)
	s, err := CosineWarmRestarts(period, tmult)
	if err != nil {
		return Constant(lr)
	}
	return Scaled(lr, s)
}

// FuzzScheduleFreeStability drives the wrapped and fused schedule-free AdamW
// side by side with extreme hyperparameters and gradients.
func FuzzScheduleFreeStability(f *testing.F) {
	f.Add(8, 50, 1e-3, 0.9, 0.999, 1e-12, 1e-2, 1.0, 1.0)
	f.Add(32, 80, 1e-6, 0.0, 0.999999, 1e-12, 0.0, 1.0, 1e6)
	f.Add(64, 40, 1.0, 0.999999, 0.999999999, 1e-12, 10.0, 0.3, 1e-12)
	f.Add(4, 10, 0.5, 0.5, 0.95, 1e-6, 1e2, 0.9, 1e3)
	f.Add(16, 30, 5e-2, 1.0-1e-14, 0.9999, 1e-9, 1e-2, 1.5, 0.0)
	f.Add(3, 5, 1e-4, 0.1, 0.999, 1e-4, 0.0, 2.0, 1e2)

	f.Fuzz(func(t *testing.T,
		dimIn, stepsIn int,
		lrIn, b1In, b2In, epsIn, lambdaIn, knobIn, gradMagIn float64,
	) {
		dim := int(clamp(float64(dimIn), 1.0, 256.0))
		steps := int(clamp(float64(stepsIn), 1.0, 300.0))
		lr := clamp(lrIn, 1e-6, 1.0)
		b1 := clampBeta(b1In)
		b2 := clamp(b2In, 0.90, 1.0-1e-12)
		eps := clamp(epsIn, 1e-12, 1e-2)
		// Keep the decoupled decay contractive.
		lambda := clamp(lambdaIn, 0.0, 0.9/lr)
		gradMag := clamp(gradMagIn, 0.0, 1e12)

		useCosine := math.Mod(math.Abs(lr+knobIn), 2.0) >= 1.0
		sched := chooseSchedule(useCosine, lr, knobIn, steps)

		inner, err := NewAdamW(AdamOptions{LearningRate: sched, Beta2: b2, Eps: eps, WeightDecay: lambda})
		if err != nil {
			t.Fatalf("NewAdamW error: %v", err)
		}
		wrapper, err := Wrap(inner, Options{LearningRate: sched, B1: Constant(b1)})
		if err != nil {
			t.Fatalf("Wrap error: %v", err)
		}
		fused, err := NewFusedAdamW(FusedAdamWOptions{
			LearningRate: sched, B1: Constant(b1), Beta2: b2, Eps: eps, WeightDecay: lambda,
		})
		if err != nil {
			t.Fatalf("NewFusedAdamW error: %v", err)
		}

		params := splitLeaves(buildParams(dim))
		grads := splitLeaves(buildGradient(dim, gradMag))
		pw, pf := params.Clone(), params.Clone()
		sw, err := wrapper.Init(pw)
		if err != nil {
			t.Fatalf("Init error: %v", err)
		}
		sf, err := fused.Init(pf)
		if err != nil {
			t.Fatalf("Init error: %v", err)
		}

		for s := 0; s < steps; s++ {
			prevSum := sw.(*State).WeightSum

			var dw, df Tree
			if dw, sw, err = wrapper.Update(grads, sw, pw); err != nil {
				t.Fatalf("wrapper step %d: %v", s, err)
			}
			if df, sf, err = fused.Update(grads, sf, pf); err != nil {
				t.Fatalf("fused step %d: %v", s, err)
			}
			if pw, err = ApplyUpdates(pw, dw); err != nil {
				t.Fatal(err)
			}
			if pf, err = ApplyUpdates(pf, df); err != nil {
				t.Fatal(err)
			}

			st := sw.(*State)
			if !pw.AllFinite() || !st.Z.AllFinite() || !st.X.AllFinite() {
				t.Fatalf("non-finite iterates at step %d", s)
			}
			if st.WeightSum < prevSum {
				t.Fatalf("weight sum decreased at step %d: %g -> %g", s, prevSum, st.WeightSum)
			}
			if st.Count != int64(s+1) {
				t.Fatalf("count = %d at step %d", st.Count, s)
			}
			for _, leaf := range st.Inner.(*AdamState).Nu {
				for i, v := range leaf {
					if !(v >= 0) {
						t.Fatalf("nu[%d]=%g < 0 at step %d", i, v, s)
					}
				}
			}
		}

		if !treesAlmostEqual(pw, pf, 1e-10, 1e-8) {
			t.Fatalf("fused diverged from wrapper:\nwrapper=%v\nfused=%v", pw, pf)
		}
		eval, err := EvalParams(sf, pf)
		if err != nil {
			t.Fatalf("EvalParams error: %v", err)
		}
		if !eval.AllFinite() {
			t.Fatalf("non-finite eval params: %v", eval)
		}
	})
}

// emulateScheduleFreeManual runs schedule-free AdamW (inner β1 = 0) with a
// fixed gradient and returns the final y and x.
func emulateScheduleFreeManual(params, grad []float64, steps int,
	lr, b1, beta2, eps, lambda float64) (y, x []float64) {

	y, x, z := clone(params), clone(params), clone(params)
	v := make([]float64, len(params))
	weightSum := 0.0
	for t := 1; t <= steps; t++ {
		bc2 := 1.0 - math.Pow(beta2, float64(t))
		for i := range z {
			g := grad[i]
			v[i] = beta2*v[i] + (1.0-beta2)*g*g
			z[i] -= lr * (g/(math.Sqrt(v[i]/bc2)+eps) + lambda*y[i])
		}
		c := lr * lr
		weightSum += c
		ct := c / weightSum
		for i := range x {
			x[i] = (1.0-ct)*x[i] + ct*z[i]
			y[i] = (1.0-b1)*z[i] + b1*x[i]
		}
	}
	return y, x
}

// FuzzScheduleFreeMatchesManual checks a few schedule-free steps against an
// independent scalar oracle.
func FuzzScheduleFreeMatchesManual(f *testing.F) {
	f.Add(8, 3, 1e-3, 0.9, 0.999, 1e-8, 1e-2, 1.0)
	f.Add(32, 5, 1e-6, 0.0, 0.999999, 1e-8, 0.0, 1e6)
	f.Add(3, 1, 1.0, 0.999999, 0.999999999, 1e-8, 0.5, 1e-2)
	f.Add(16, 4, 5e-2, 0.5, 0.9999, 1e-8, 1e-2, 0.0)

	f.Fuzz(func(t *testing.T,
		dimIn, stepsIn int,
		lrIn, b1In, b2In, epsIn, lambdaIn, gradMagIn float64,
	) {
		dim := int(clamp(float64(dimIn), 1.0, 128.0))
		steps := int(clamp(float64(stepsIn), 1.0, 5.0))
		lr := clamp(lrIn, 1e-6, 1.0)
		b1 := clampBeta(b1In)
		b2 := clamp(b2In, 0.90, 1.0-1e-12)
		eps := clamp(epsIn, 1e-12, 1e-2)
		lambda := clamp(lambdaIn, 0.0, 0.9/lr)
		gradMag := clamp(gradMagIn, 0.0, 1e9)

		params0 := buildParams(dim)
		grad := buildGradient(dim, gradMag)

		inner, err := NewAdamW(AdamOptions{LearningRate: Constant(lr), Beta2: b2, Eps: eps, WeightDecay: lambda})
		if err != nil {
			t.Fatalf("NewAdamW error: %v", err)
		}
		opt := MustWrap(inner, Options{LearningRate: Constant(lr), B1: Constant(b1)})

		params := Tree{clone(params0)}
		state, err := opt.Init(params)
		if err != nil {
			t.Fatalf("Init error: %v", err)
		}
		grads := Tree{grad}
		for s := 0; s < steps; s++ {
			var delta Tree
			if delta, state, err = opt.Update(grads, state, params); err != nil {
				t.Fatalf("Update error at %d: %v", s, err)
			}
			if params, err = ApplyUpdates(params, delta); err != nil {
				t.Fatal(err)
			}
		}
		eval, err := EvalParams(state, params)
		if err != nil {
			t.Fatalf("EvalParams error: %v", err)
		}

		y, x := emulateScheduleFreeManual(params0, grad, steps, lr, b1, b2, eps, lambda)
		absTol, relTol := 1e-12, 1e-9
		if !slicesAlmostEqual(params[0], y, absTol, relTol) {
			t.Fatalf("y mismatch:\nlib=%v\nman=%v (lr=%g b1=%g b2=%g eps=%g λ=%g)",
				params[0], y, lr, b1, b2, eps, lambda)
		}
		if !slicesAlmostEqual(eval[0], x, absTol, relTol) {
			t.Fatalf("x mismatch:\nlib=%v\nman=%v", eval[0], x)
		}
	})
}
