// Package schedulefree implements schedule-free optimization (Defazio et
// al., 2024) on top of ordinary gradient transformations.
//
// A schedule-free optimizer keeps three points per parameter:
//
//   - z, the fast trajectory moved by the inner optimizer's steps;
//   - x, a running average of z weighted by lr^WeightLRPower;
//   - y = (1-b1)*z + b1*x, the point where gradients are evaluated.
//
// The caller owns y: it feeds y to Update and adds the returned delta to get
// the next y. The averaged x, which is what should be evaluated or
// checkpointed, is read with EvalParams.
//
// Wrap turns any Optimizer (SGD, Adam, AdamW, ...) into a schedule-free one.
// The inner optimizer should have its own momentum disabled; the
// interpolation coefficient b1 plays that role. NewFusedAdamW is an
// equivalent single-pass implementation for the common AdamW case.
//
// Optimizers are not goroutine-safe in the sense that a state must be
// threaded through Update sequentially; states are immutable values and may
// be shared for reading.
package schedulefree

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

const (
	defaultB1            = 0.9
	defaultWeightLRPower = 2.0
)

// Options configures Wrap.
type Options struct {
	// LearningRate is the schedule the inner optimizer uses; it determines
	// the averaging weights. Required.
	LearningRate Schedule
	// B1 is the interpolation coefficient between z and x. nil means a
	// constant 0.9. Every value must lie in [0,1).
	B1 Schedule
	// WeightLRPower is the exponent p of the averaging weight lr^p. 0 means 2.
	WeightLRPower float64
}

// State is the schedule-free optimizer state.
type State struct {
	B1    float64 // b1 used by the most recent step
	Count int64
	Z     Tree // fast trajectory
	X     Tree // weighted running average of z
	Inner OptimizerState

	// WeightSum is Σ lr^p over all steps so far. It never decreases; a
	// weight far below the current sum's precision is absorbed by rounding.
	WeightSum float64
}

// MapParams implements OptimizerState.
func (s *State) MapParams(fn LeafFunc) (OptimizerState, error) {
	if s == nil {
		return nil, errors.Wrap(ErrStateType, "map params: nil *State")
	}
	z, err := s.Z.Map(fn)
	if err != nil {
		return nil, err
	}
	x, err := s.X.Map(fn)
	if err != nil {
		return nil, err
	}
	inner, err := TreeMapParams(s.Inner, fn)
	if err != nil {
		return nil, err
	}
	return &State{B1: s.B1, WeightSum: s.WeightSum, Count: s.Count, Z: z, X: x, Inner: inner}, nil
}

// Transform is an Optimizer that wraps another one with schedule-free
// averaging and interpolation.
type Transform struct {
	inner Optimizer
	lr    Schedule
	b1    Schedule
	power float64
}

// Wrap makes inner schedule-free.
func Wrap(inner Optimizer, opt Options) (*Transform, error) {
	if inner == nil {
		return nil, errInnerOptimizerRequired
	}
	power, b1, err := resolveAveraging(opt.LearningRate, opt.B1, opt.WeightLRPower)
	if err != nil {
		return nil, err
	}
	return &Transform{inner: inner, lr: opt.LearningRate, b1: b1, power: power}, nil
}

// MustWrap is like Wrap but panics on error.
func MustWrap(inner Optimizer, opt Options) *Transform {
	t, err := Wrap(inner, opt)
	if err != nil {
		panic(err)
	}
	return t
}

func resolveAveraging(lr, b1 Schedule, power float64) (float64, Schedule, error) {
	if lr == nil {
		return 0, nil, errMissingLearningRate
	}
	if b1 == nil {
		b1 = Constant(defaultB1)
	}
	if power == 0 {
		power = defaultWeightLRPower
	}
	if !(power > 0) || !isFinite(power) {
		return 0, nil, invalidf("WeightLRPower must be > 0, got %g", power)
	}
	return power, b1, nil
}

// Init builds a state with z = x = params and an empty weight sum.
func (t *Transform) Init(params Tree) (OptimizerState, error) {
	if err := validateTree(params); err != nil {
		return nil, err
	}
	inner, err := t.inner.Init(params)
	if err != nil {
		return nil, err
	}
	return newState(t.b1(0), params, inner), nil
}

func newState(b1 float64, params Tree, inner OptimizerState) *State {
	return &State{B1: b1, Z: params.Clone(), X: params.Clone(), Inner: inner}
}

// Update performs one schedule-free step. params must be the y returned by
// the previous step (or the initial params). The returned delta moves params
// to the next y. state is not modified.
func (t *Transform) Update(grads Tree, state OptimizerState, params Tree) (Tree, OptimizerState, error) {
	st, ok := state.(*State)
	if !ok || st == nil {
		return nil, nil, errors.Wrapf(ErrStateType, "schedule-free: got %T", state)
	}
	if params == nil {
		return nil, nil, errors.Wrap(ErrShapeMismatch, "schedule-free: params are required")
	}
	if err := checkStep(st.Z, grads, params); err != nil {
		return nil, nil, err
	}
	lr, b1, err := stepScalars(t.lr, t.b1, t.power, st.Count)
	if err != nil {
		return nil, nil, err
	}

	innerUpdates, innerState, err := t.inner.Update(grads, st.Inner, params)
	if err != nil {
		return nil, nil, errors.Wrap(err, "inner optimizer")
	}
	if err := st.Z.CheckShape(innerUpdates); err != nil {
		return nil, nil, errors.Wrap(err, "inner optimizer updates")
	}

	weightSum, ct := averageWeight(lr, t.power, st.WeightSum)
	next := &State{
		B1:        b1,
		WeightSum: weightSum,
		Count:     st.Count + 1,
		Z:         make(Tree, len(params)),
		X:         st.X.Clone(),
		Inner:     innerState,
	}
	delta := make(Tree, len(params))
	for i := range params {
		z := floats.AddTo(make([]float64, len(params[i])), st.Z[i], innerUpdates[i])
		next.Z[i] = z
		delta[i] = make([]float64, len(z))
		interpolate(delta[i], next.X[i], z, params[i], ct, b1)
	}
	return delta, next, nil
}

// stepScalars reads and validates the learning rate and b1 for count. A
// positive learning rate whose weight lr^power underflows to 0 is rejected,
// since that step would add nothing to the weight sum.
func stepScalars(lrSched, b1Sched Schedule, power float64, count int64) (lr, b1 float64, err error) {
	lr = lrSched(count)
	if !(lr >= 0) || !isFinite(lr) {
		return 0, 0, invalidf("learning rate at step %d must be finite and >= 0, got %g", count, lr)
	}
	if lr > 0 && math.Pow(lr, power) == 0 {
		return 0, 0, invalidf("learning rate at step %d is too small: %g^%g underflows", count, lr, power)
	}
	b1 = b1Sched(count)
	if err := checkUnit("b1", b1); err != nil {
		return 0, 0, err
	}
	return lr, b1, nil
}

// averageWeight returns the new weight sum and the averaging fraction
// c_t = lr^p / weightSum'. A step that adds no weight has c_t = 0.
func averageWeight(lr, power, weightSum float64) (float64, float64) {
	c := math.Pow(lr, power)
	next := weightSum + c
	if next == 0 {
		return next, 0
	}
	return next, c / next
}

// interpolate updates the average x in place towards z by ct and writes
// y' - y into delta, where y' = z + b1*(x - z).
func interpolate(delta, x, z, y []float64, ct, b1 float64) {
	// x = (1-ct)*x + ct*z
	scaleVector(1.0-ct, x)
	axpyVector(ct, z, x)

	// y' = z + b1*(x-z); equals z exactly when x == z.
	floats.SubTo(delta, x, z)
	floats.AddScaledTo(delta, z, b1, delta)
	floats.Sub(delta, y)
}

// EvalParams returns a copy of the averaged parameters x, which should be
// used for evaluation and checkpoints. params is accepted for symmetry with
// Update and ignored. The state is not modified.
func EvalParams(state OptimizerState, params Tree) (Tree, error) {
	st, ok := state.(*State)
	if !ok || st == nil {
		return nil, errors.Wrapf(ErrStateType, "eval params: got %T", state)
	}
	return st.X.Clone(), nil
}
