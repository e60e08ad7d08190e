package schedulefree

import "github.com/pkg/errors"

// FusedAdamWOptions configures NewFusedAdamW.
type FusedAdamWOptions struct {
	LearningRate Schedule // required
	// WarmupSteps > 0 ramps the learning rate linearly from 0 over that many
	// steps before following LearningRate.
	WarmupSteps int64
	B1          Schedule // interpolation coefficient; nil means 0.9
	Beta2       float64  // <= 0 means 0.999
	Eps         float64  // <= 0 means 1e-8
	EpsRoot     float64
	WeightDecay float64 // λ, applied at y; < 0 means none
	DecayMask   []bool
	// WeightLRPower is the averaging exponent; 0 means 2.
	WeightLRPower float64
}

// FusedAdamW is schedule-free AdamW computed in one pass per element. It
// produces the same trajectory as
//
//	Wrap(NewAdamW(AdamOptions{Beta1: 0, ...}), Options{...})
//
// with matching learning rate, b1, β2, ε and weight decay, without
// materializing the inner updates.
type FusedAdamW struct {
	lr      Schedule
	b1      Schedule
	power   float64
	beta2   float64
	eps     float64
	epsRoot float64
	lambda  float64
	mask    []bool
}

// NewFusedAdamW validates opt and applies the defaults.
func NewFusedAdamW(opt FusedAdamWOptions) (*FusedAdamW, error) {
	if opt.LearningRate == nil {
		return nil, errMissingLearningRate
	}
	lr := opt.LearningRate
	if opt.WarmupSteps > 0 {
		base, warmup := opt.LearningRate, float64(opt.WarmupSteps)
		lr = func(count int64) float64 {
			if count >= opt.WarmupSteps {
				return base(count)
			}
			if count <= 0 {
				return 0
			}
			return base(count) * (float64(count) / warmup)
		}
	}
	power, b1, err := resolveAveraging(lr, opt.B1, opt.WeightLRPower)
	if err != nil {
		return nil, err
	}
	o := &FusedAdamW{
		lr:      lr,
		b1:      b1,
		power:   power,
		beta2:   ifPositiveOr(opt.Beta2, 0.999),
		eps:     ifPositiveOr(opt.Eps, 1e-8),
		epsRoot: opt.EpsRoot,
		lambda:  decayLambda(opt.WeightDecay, nil),
	}
	if err := checkUnit("beta2", o.beta2); err != nil {
		return nil, err
	}
	if !(o.epsRoot >= 0) {
		return nil, invalidf("epsRoot must be >= 0")
	}
	if opt.DecayMask != nil {
		o.mask = append([]bool(nil), opt.DecayMask...)
	}
	return o, nil
}

// Init returns a *State whose Inner is an *AdamState with an unused first
// moment, so the state has the same layout as the wrapped construction.
func (o *FusedAdamW) Init(params Tree) (OptimizerState, error) {
	if err := validateTree(params); err != nil {
		return nil, err
	}
	if err := checkMask(o.mask, params); err != nil {
		return nil, err
	}
	inner := &AdamState{Mu: params.ZerosLike(), Nu: params.ZerosLike()}
	return newState(o.b1(0), params, inner), nil
}

// Update performs one fused schedule-free AdamW step at params (y) and
// returns the delta to the next y.
func (o *FusedAdamW) Update(grads Tree, state OptimizerState, params Tree) (Tree, OptimizerState, error) {
	st, ok := state.(*State)
	if !ok || st == nil {
		return nil, nil, errors.Wrapf(ErrStateType, "fused adamw: got %T", state)
	}
	moments, ok := st.Inner.(*AdamState)
	if !ok || moments == nil {
		return nil, nil, errors.Wrapf(ErrStateType, "fused adamw inner: got %T", st.Inner)
	}
	if params == nil {
		return nil, nil, errors.Wrap(ErrShapeMismatch, "fused adamw: params are required")
	}
	if err := checkStep(st.Z, grads, params); err != nil {
		return nil, nil, err
	}
	if err := checkMask(o.mask, grads); err != nil {
		return nil, nil, err
	}
	if err := checkFinite(grads, params); err != nil {
		return nil, nil, err
	}
	lr, b1, err := stepScalars(o.lr, o.b1, o.power, st.Count)
	if err != nil {
		return nil, nil, err
	}

	t := moments.Count + 1
	_, bc2, err := biasCorrection(0, o.beta2, t)
	if err != nil {
		return nil, nil, err
	}
	h := adamHyper{b2: o.beta2, eps: o.eps, epsRoot: o.epsRoot, bc1: 1, bc2: bc2}
	oneMinusBeta2 := 1.0 - o.beta2

	weightSum, ct := averageWeight(lr, o.power, st.WeightSum)
	nextMoments := &AdamState{Count: t, Mu: make(Tree, len(grads)), Nu: make(Tree, len(grads))}
	next := &State{
		B1:        b1,
		WeightSum: weightSum,
		Count:     st.Count + 1,
		Z:         make(Tree, len(params)),
		X:         make(Tree, len(params)),
		Inner:     nextMoments,
	}
	delta := make(Tree, len(params))
	for i, g := range grads {
		n := len(g)
		mu, nu := make([]float64, n), make([]float64, n)
		z, x, d := make([]float64, n), make([]float64, n), make([]float64, n)
		y := params[i]
		decay := leafDecay(o.lambda, o.mask, i)
		for j, gj := range g {
			// Momentum-free Adam: the first moment is the gradient itself.
			mu[j] = gj
			v := o.beta2*moments.Nu[i][j] + oneMinusBeta2*gj*gj
			nu[j] = v

			den := adamDenominator(v, h)
			if !(den > 0 && isFinite(den)) {
				return nil, nil, errBadDenominator
			}
			dir := gj / den
			if decay > 0 {
				dir += decay * y[j]
			}
			zj := st.Z[i][j] + dir*-lr
			xj := st.X[i][j]*(1.0-ct) + ct*zj

			z[j], x[j] = zj, xj
			d[j] = (zj + b1*(xj-zj)) - y[j]
		}
		nextMoments.Mu[i], nextMoments.Nu[i] = mu, nu
		next.Z[i], next.X[i], delta[i] = z, x, d
	}
	return delta, next, nil
}
