package schedulefree

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Tree is a parameter tree: an ordered list of leaves, each a flat slice.
// Nested containers (weight matrices, biases, embeddings) are represented by
// flattening every container into one leaf. Optimizer states, gradients and
// updates all share the shape of the parameters they belong to.
type Tree [][]float64

// LeafFunc transforms one leaf. It must return a slice of the same length.
type LeafFunc func(leaf []float64) []float64

// Identity is the LeafFunc that returns its argument unchanged.
func Identity(leaf []float64) []float64 { return leaf }

// Len returns the total number of elements across all leaves.
func (t Tree) Len() int {
	n := 0
	for _, leaf := range t {
		n += len(leaf)
	}
	return n
}

// Clone returns a deep copy of t.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for i, leaf := range t {
		out[i] = append([]float64(nil), leaf...)
	}
	return out
}

// ZerosLike returns a tree of zeros with the shape of t.
func (t Tree) ZerosLike() Tree {
	out := make(Tree, len(t))
	for i, leaf := range t {
		out[i] = make([]float64, len(leaf))
	}
	return out
}

// Map applies fn to every leaf and returns the resulting tree. The leaf
// structure is preserved; fn returning a leaf of a different length is an
// error.
func (t Tree) Map(fn LeafFunc) (Tree, error) {
	if t == nil {
		return nil, nil
	}
	out := make(Tree, len(t))
	for i, leaf := range t {
		out[i] = fn(leaf)
		if len(out[i]) != len(leaf) {
			return nil, errors.Wrapf(ErrShapeMismatch, "leaf %d: map changed length %d -> %d", i, len(leaf), len(out[i]))
		}
	}
	return out, nil
}

// ForEach calls fn for every element with its flat index.
func (t Tree) ForEach(fn func(index int, value float64)) {
	flatIndex := 0
	for _, leaf := range t {
		for _, value := range leaf {
			fn(flatIndex, value)
			flatIndex++
		}
	}
}

// ToFlat copies all leaves into a single slice.
func (t Tree) ToFlat() []float64 {
	flat := make([]float64, 0, t.Len())
	for _, leaf := range t {
		flat = append(flat, leaf...)
	}
	return flat
}

// CopyFromFlat copies data from a flat slice back into the leaves.
func (t Tree) CopyFromFlat(flat []float64) error {
	if len(flat) != t.Len() {
		return errors.Wrapf(ErrShapeMismatch, "flat length %d, tree length %d", len(flat), t.Len())
	}
	index := 0
	for _, leaf := range t {
		copy(leaf, flat[index:index+len(leaf)])
		index += len(leaf)
	}
	return nil
}

// AllFinite reports whether every element is neither NaN nor ±Inf.
func (t Tree) AllFinite() bool {
	for _, leaf := range t {
		for _, v := range leaf {
			if !isFinite(v) {
				return false
			}
		}
	}
	return true
}

// CheckShape returns ErrShapeMismatch unless other has the same number of
// leaves and the same length for every leaf.
func (t Tree) CheckShape(other Tree) error {
	if len(t) != len(other) {
		return errors.Wrapf(ErrShapeMismatch, "leaf count %d != %d", len(other), len(t))
	}
	for i := range t {
		if len(t[i]) != len(other[i]) {
			return errors.Wrapf(ErrShapeMismatch, "leaf %d: length %d != %d", i, len(other[i]), len(t[i]))
		}
	}
	return nil
}

// validateTree rejects empty trees and nil leaves.
func validateTree(t Tree) error {
	if len(t) == 0 {
		return errEmptyTree
	}
	for i, leaf := range t {
		if leaf == nil {
			return errors.Errorf("leaf %d is nil", i)
		}
	}
	if t.Len() == 0 {
		return errEmptyTree
	}
	return nil
}

// ApplyUpdates returns params + updates leaf-wise. Neither argument is
// modified.
func ApplyUpdates(params, updates Tree) (Tree, error) {
	if err := params.CheckShape(updates); err != nil {
		return nil, err
	}
	out := make(Tree, len(params))
	for i := range params {
		out[i] = floats.AddTo(make([]float64, len(params[i])), params[i], updates[i])
	}
	return out, nil
}
