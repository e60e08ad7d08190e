// Adam / AdamW per Kingma & Ba (2015) and Loshchilov & Hutter (ICLR 2019)
// - Bias-corrected first and second moments
// - Decoupled weight decay (Algorithm 2, step 12), applied at the params
//   passed to Update
// - Normalized weight decay (Appendix B.1)
//
// Engineering hardening:
// - Strict hyperparameter validation (beta bounds, eps>0)
// - Grad/param shape vs. state shape check
// - Non-finite gradient/param guards
// - Soft clamp of vhat (vhat = max(vhat, 0)) before sqrt
// - Optional per-leaf weight-decay mask (e.g. weights but not bias/LayerNorm)

package schedulefree

import (
	"math"

	"github.com/pkg/errors"
)

// NormConfig is the B.1 normalization: λ = λ_norm * sqrt(b / (B * T))
//
//	b = BatchSize (>0)
//	B = DatasetSize (>0)
//	T = TotalEpochs (>0; 0 is treated as 1)
type NormConfig struct {
	LambdaNorm  float64 // λ_norm (>=0)
	BatchSize   int     // b (>0)
	DatasetSize int     // B (>0)
	TotalEpochs int     // T (>=0)
}

func (n *NormConfig) validate() error {
	if n.LambdaNorm < 0 {
		return invalidf("Norm.LambdaNorm must be >= 0")
	}
	if n.BatchSize <= 0 || n.DatasetSize <= 0 {
		return invalidf("Norm.BatchSize and Norm.DatasetSize must be > 0")
	}
	if n.TotalEpochs < 0 {
		return invalidf("Norm.TotalEpochs must be >= 0")
	}
	return nil
}

// decayLambda computes λ: fixed or normalized (B.1). Negative values mean no
// decay.
func decayLambda(weightDecay float64, norm *NormConfig) float64 {
	if norm == nil {
		if weightDecay < 0 {
			return 0
		}
		return weightDecay
	}
	b := float64(norm.BatchSize)
	B := float64(norm.DatasetSize)
	T := float64(norm.TotalEpochs)
	if T <= 0 {
		T = 1.0
	}
	l := norm.LambdaNorm * math.Sqrt(b/(B*T))
	if l < 0 {
		return 0
	}
	return l
}

// AdamOptions configures Adam and AdamW. Beta1 is used as given so that 0
// (no momentum) can be expressed; start from DefaultAdamOptions for the
// conventional values.
type AdamOptions struct {
	LearningRate Schedule
	Beta1        float64 // β1 in [0,1)
	Beta2        float64 // β2 in [0,1); <= 0 means 0.999
	Eps          float64 // ε > 0; <= 0 means 1e-8
	EpsRoot      float64 // added to vhat inside the sqrt, >= 0

	// Weight decay (AdamW only). If Norm != nil, λ is derived from λ_norm
	// via B.1. Otherwise WeightDecay (λ) is used directly (λ<0 means none).
	WeightDecay float64
	Norm        *NormConfig

	// DecayMask[i] == true applies decay to leaf i. nil decays every leaf.
	DecayMask []bool

	// Adaptive overrides the leaf-size thresholds for kernel selection.
	Adaptive *AdaptiveConfig
}

// DefaultAdamOptions returns β1=0.9, β2=0.999, ε=1e-8 for the given
// learning rate.
func DefaultAdamOptions(lr Schedule) AdamOptions {
	return AdamOptions{LearningRate: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// DefaultAdamWOptions is DefaultAdamOptions with λ=1e-4.
func DefaultAdamWOptions(lr Schedule) AdamOptions {
	o := DefaultAdamOptions(lr)
	o.WeightDecay = 1e-4
	return o
}

// Adam implements Adam, and AdamW when constructed with NewAdamW.
type Adam struct {
	lr       Schedule
	beta1    float64
	beta2    float64
	eps      float64
	epsRoot  float64
	lambda   float64
	mask     []bool
	adaptive AdaptiveConfig
}

// AdamState holds the step count and the first and second moments.
type AdamState struct {
	Count int64
	Mu    Tree
	Nu    Tree
}

// MapParams implements OptimizerState.
func (s *AdamState) MapParams(fn LeafFunc) (OptimizerState, error) {
	if s == nil {
		return nil, errors.Wrap(ErrStateType, "map params: nil *AdamState")
	}
	mu, err := s.Mu.Map(fn)
	if err != nil {
		return nil, err
	}
	nu, err := s.Nu.Map(fn)
	if err != nil {
		return nil, err
	}
	return &AdamState{Count: s.Count, Mu: mu, Nu: nu}, nil
}

// NewAdam creates an Adam optimizer. Weight decay settings are ignored; use
// NewAdamW for decoupled decay.
func NewAdam(opt AdamOptions) (*Adam, error) {
	opt.WeightDecay = 0
	opt.Norm = nil
	opt.DecayMask = nil
	return newAdam(opt)
}

// NewAdamW creates an Adam optimizer with decoupled weight decay.
func NewAdamW(opt AdamOptions) (*Adam, error) {
	return newAdam(opt)
}

func newAdam(opt AdamOptions) (*Adam, error) {
	if opt.LearningRate == nil {
		return nil, errMissingLearningRate
	}
	o := &Adam{
		lr:       opt.LearningRate,
		beta1:    opt.Beta1,
		beta2:    ifPositiveOr(opt.Beta2, 0.999),
		eps:      ifPositiveOr(opt.Eps, 1e-8),
		epsRoot:  opt.EpsRoot,
		adaptive: DefaultAdaptiveConfig(),
	}
	if opt.Adaptive != nil {
		o.adaptive = *opt.Adaptive
	}
	// Strict validation per engineering hardening.
	if err := checkUnit("beta1", o.beta1); err != nil {
		return nil, err
	}
	if err := checkUnit("beta2", o.beta2); err != nil {
		return nil, err
	}
	if !(o.epsRoot >= 0) {
		return nil, invalidf("epsRoot must be >= 0")
	}
	if opt.Norm != nil {
		if err := opt.Norm.validate(); err != nil {
			return nil, err
		}
	}
	o.lambda = decayLambda(opt.WeightDecay, opt.Norm)
	if opt.DecayMask != nil {
		o.mask = append([]bool(nil), opt.DecayMask...)
	}
	return o, nil
}

func ifPositiveOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

// leafDecay returns λ for leaf i, honoring the mask.
func leafDecay(lambda float64, mask []bool, i int) float64 {
	if lambda <= 0 || (mask != nil && !mask[i]) {
		return 0
	}
	return lambda
}

func checkMask(mask []bool, params Tree) error {
	if mask != nil && len(mask) != len(params) {
		return errors.Wrapf(ErrShapeMismatch, "DecayMask has %d entries for %d leaves", len(mask), len(params))
	}
	return nil
}

// checkFinite guards against NaN/Inf in grads, and in params when they feed
// into the update.
func checkFinite(grads, params Tree) error {
	if !grads.AllFinite() {
		return errors.Wrap(ErrNonFinite, "gradient")
	}
	if params != nil && !params.AllFinite() {
		return errors.Wrap(ErrNonFinite, "parameter")
	}
	return nil
}

// biasCorrection returns (1 - β1^t, 1 - β2^t).
func biasCorrection(beta1, beta2 float64, t int64) (float64, float64, error) {
	bc1 := 1.0 - math.Pow(beta1, float64(t))
	bc2 := 1.0 - math.Pow(beta2, float64(t))
	if !(bc1 > 0.0 && bc2 > 0.0 && isFinite(bc1) && isFinite(bc2)) {
		return 0, 0, errors.New("invalid bias-correction denominators")
	}
	return bc1, bc2, nil
}

// Init returns zero moments shaped like params.
func (o *Adam) Init(params Tree) (OptimizerState, error) {
	if err := validateTree(params); err != nil {
		return nil, err
	}
	if err := checkMask(o.mask, params); err != nil {
		return nil, err
	}
	return &AdamState{Mu: params.ZerosLike(), Nu: params.ZerosLike()}, nil
}

// Update performs one Adam(W) step. params are required when weight decay
// is enabled.
func (o *Adam) Update(grads Tree, state OptimizerState, params Tree) (Tree, OptimizerState, error) {
	st, ok := state.(*AdamState)
	if !ok || st == nil {
		return nil, nil, errors.Wrapf(ErrStateType, "adam: got %T", state)
	}
	if err := checkStep(st.Mu, grads, params); err != nil {
		return nil, nil, err
	}
	if err := checkMask(o.mask, grads); err != nil {
		return nil, nil, err
	}
	if o.lambda > 0 && params == nil {
		return nil, nil, errors.New("adamw: params are required for weight decay")
	}
	if err := checkFinite(grads, params); err != nil {
		return nil, nil, err
	}

	t := st.Count + 1
	bc1, bc2, err := biasCorrection(o.beta1, o.beta2, t)
	if err != nil {
		return nil, nil, err
	}
	h := adamHyper{b1: o.beta1, b2: o.beta2, eps: o.eps, epsRoot: o.epsRoot, bc1: bc1, bc2: bc2}

	lr := o.lr(st.Count)
	next := &AdamState{Count: t, Mu: st.Mu.Clone(), Nu: st.Nu.Clone()}
	updates := grads.ZerosLike()
	for i, g := range grads {
		leaf := adamLeaf{
			g:       g,
			mu:      next.Mu[i],
			nu:      next.Nu[i],
			dir:     updates[i],
			scratch: make([]float64, len(g)),
			decay:   leafDecay(o.lambda, o.mask, i),
		}
		if params != nil {
			leaf.params = params[i]
		}
		strategy := SelectOptimizationStrategy(len(g), o.adaptive)
		if err := runAdamKernel(strategy, h, leaf); err != nil {
			return nil, nil, err
		}
		scaleVector(-lr, updates[i])
	}
	return updates, next, nil
}
