package schedulefree

// OptimizerState is the opaque state of an Optimizer. Implementations are
// treated as immutable values: Update returns a new state and never modifies
// the one it was given.
type OptimizerState interface {
	// MapParams returns a copy of the state with fn applied to every leaf
	// that has the shape of the parameters (moments, snapshots, traces).
	// Scalars such as step counts are carried over unchanged.
	MapParams(fn LeafFunc) (OptimizerState, error)
}

// Optimizer is a gradient transformation: it turns gradients into additive
// parameter updates while threading its own state.
//
//	state, _ := opt.Init(params)
//	for step := 0; step < n; step++ {
//		updates, state, _ = opt.Update(grad(params), state, params)
//		params, _ = schedulefree.ApplyUpdates(params, updates)
//	}
type Optimizer interface {
	// Init builds the initial state for params.
	Init(params Tree) (OptimizerState, error)
	// Update computes updates from grads evaluated at params.
	Update(grads Tree, state OptimizerState, params Tree) (Tree, OptimizerState, error)
}

// TreeMapParams applies fn to every parameter-shaped leaf of state while
// preserving its nested structure. Mapping with Identity leaves every later
// step unchanged.
func TreeMapParams(state OptimizerState, fn LeafFunc) (OptimizerState, error) {
	if state == nil {
		return nil, nil
	}
	return state.MapParams(fn)
}

// checkStep validates the shape of grads and, when given, params against a
// reference tree from the state.
func checkStep(ref, grads, params Tree) error {
	if err := ref.CheckShape(grads); err != nil {
		return err
	}
	if params == nil {
		return nil
	}
	return ref.CheckShape(params)
}
