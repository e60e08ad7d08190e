package schedulefree

import "github.com/pkg/errors"

// SGDOptions configures plain stochastic gradient descent.
type SGDOptions struct {
	LearningRate Schedule
	Momentum     float64 // in [0,1); 0 keeps no trace at all
	Nesterov     bool
}

// SGD is gradient descent with optional heavy-ball or Nesterov momentum.
type SGD struct {
	lr       Schedule
	momentum float64
	nesterov bool
}

// SGDState holds the step count and the momentum trace (nil when momentum
// is disabled).
type SGDState struct {
	Count int64
	Trace Tree
}

// MapParams implements OptimizerState.
func (s *SGDState) MapParams(fn LeafFunc) (OptimizerState, error) {
	if s == nil {
		return nil, errors.Wrap(ErrStateType, "map params: nil *SGDState")
	}
	trace, err := s.Trace.Map(fn)
	if err != nil {
		return nil, err
	}
	return &SGDState{Count: s.Count, Trace: trace}, nil
}

// NewSGD validates opt and creates the optimizer.
func NewSGD(opt SGDOptions) (*SGD, error) {
	if opt.LearningRate == nil {
		return nil, errMissingLearningRate
	}
	if err := checkUnit("momentum", opt.Momentum); err != nil {
		return nil, err
	}
	if opt.Nesterov && opt.Momentum == 0 {
		return nil, invalidf("nesterov requires momentum > 0")
	}
	return &SGD{lr: opt.LearningRate, momentum: opt.Momentum, nesterov: opt.Nesterov}, nil
}

// Init returns a zero-step state with a zero trace when momentum is enabled.
func (o *SGD) Init(params Tree) (OptimizerState, error) {
	if err := validateTree(params); err != nil {
		return nil, err
	}
	st := &SGDState{}
	if o.momentum > 0 {
		st.Trace = params.ZerosLike()
	}
	return st, nil
}

// Update returns -lr*g, or -lr times the momentum trace. params is only
// used for its shape and may be nil.
func (o *SGD) Update(grads Tree, state OptimizerState, params Tree) (Tree, OptimizerState, error) {
	st, ok := state.(*SGDState)
	if !ok || st == nil {
		return nil, nil, errors.Wrapf(ErrStateType, "sgd: got %T", state)
	}
	ref := st.Trace
	if ref == nil {
		ref = grads
	}
	if err := checkStep(ref, grads, params); err != nil {
		return nil, nil, err
	}

	lr := o.lr(st.Count)
	next := &SGDState{Count: st.Count + 1}
	updates := grads.Clone()
	if o.momentum > 0 {
		next.Trace = make(Tree, len(grads))
		for i, g := range grads {
			// trace' = g + μ*trace
			tr := append([]float64(nil), g...)
			axpyVector(o.momentum, st.Trace[i], tr)
			next.Trace[i] = tr
			if o.nesterov {
				axpyVector(o.momentum, tr, updates[i])
			} else {
				copyVector(tr, updates[i])
			}
		}
	}
	for _, u := range updates {
		scaleVector(-lr, u)
	}
	return updates, next, nil
}
