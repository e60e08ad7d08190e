package schedulefree

import (
	"math"

	"github.com/pkg/errors"
)

// Error kinds returned by this package. Match them with errors.Is; the
// returned errors carry additional detail and a stack trace.
var (
	ErrShapeMismatch          = errors.New("shape mismatch")
	ErrNonFinite              = errors.New("non-finite value")
	ErrInvalidHyperparameter  = errors.New("invalid hyperparameter")
	ErrStateType              = errors.New("unexpected optimizer state type")
	errEmptyTree              = errors.New("parameter tree must be non-empty")
	errMissingLearningRate    = errors.New("learning rate schedule is required")
	errInnerOptimizerRequired = errors.New("inner optimizer is required")
)

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidHyperparameter, format, args...)
}

func isFinite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

// checkUnit validates that v lies in [0,1).
func checkUnit(name string, v float64) error {
	if !(v >= 0.0 && v < 1.0) {
		return invalidf("%s must be in [0,1), got %g", name, v)
	}
	return nil
}
