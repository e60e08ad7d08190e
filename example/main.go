// Command example runs schedule-free optimization on a toy objective and
// prints the averaged parameters.
//
//	go run ./example -config run.yaml
//	SCHEDFREE_OPTIMIZER=fused SCHEDFREE_OBJECTIVE=parabola go run ./example
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize/functions"

	schedulefree "github.com/n0madic/go-schedulefree"
)

// objective is a differentiable function with a known minimum.
type objective struct {
	start, minimum []float64
	value          func(x []float64) float64
	grad           func(grad, x []float64)
}

func parabola() objective {
	minimum := []float64{1.0, -1.0, 1.0}
	return objective{
		start:   []float64{-1.0, 10.0, 1.0},
		minimum: minimum,
		value: func(x []float64) (sum float64) {
			for i := range x {
				d := x[i] - minimum[i]
				sum += d * d
			}
			return sum
		},
		grad: func(grad, x []float64) {
			for i := range x {
				grad[i] = 2 * (x[i] - minimum[i])
			}
		},
	}
}

func rosenbrock() objective {
	var f functions.ExtendedRosenbrock
	return objective{
		start:   []float64{0.0, 0.0},
		minimum: []float64{1.0, 1.0},
		value:   f.Func,
		grad:    f.Grad,
	}
}

func newObjective(name string) objective {
	if name == "parabola" {
		return parabola()
	}
	return rosenbrock()
}

func newOptimizer(cfg Config) (schedulefree.Optimizer, error) {
	lr := schedulefree.WarmupConstant(0, cfg.LearningRate, cfg.WarmupSteps)
	sf := schedulefree.Options{LearningRate: lr, B1: schedulefree.Constant(cfg.B1)}

	var inner schedulefree.Optimizer
	var err error
	switch cfg.Optimizer {
	case "sgd":
		inner, err = schedulefree.NewSGD(schedulefree.SGDOptions{LearningRate: lr})
	case "adam":
		opts := schedulefree.DefaultAdamOptions(lr)
		opts.Beta1 = 0
		inner, err = schedulefree.NewAdam(opts)
	case "adamw":
		opts := schedulefree.DefaultAdamWOptions(lr)
		opts.Beta1 = 0
		opts.WeightDecay = cfg.WeightDecay
		inner, err = schedulefree.NewAdamW(opts)
	case "fused":
		return schedulefree.NewFusedAdamW(schedulefree.FusedAdamWOptions{
			LearningRate: schedulefree.Constant(cfg.LearningRate),
			WarmupSteps:  cfg.WarmupSteps,
			B1:           schedulefree.Constant(cfg.B1),
			WeightDecay:  cfg.WeightDecay,
		})
	default:
		return nil, errors.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
	if err != nil {
		return nil, err
	}
	return schedulefree.Wrap(inner, sf)
}

type result struct {
	Params []float64 // y, where gradients were evaluated
	Eval   []float64 // x, the averaged parameters
	Loss   float64   // objective at Eval
}

func run(cfg Config, log *slog.Logger) (result, error) {
	obj := newObjective(cfg.Objective)
	opt, err := newOptimizer(cfg)
	if err != nil {
		return result{}, err
	}

	params := schedulefree.Tree{append([]float64(nil), obj.start...)}
	state, err := opt.Init(params)
	if err != nil {
		return result{}, err
	}
	grads := params.ZerosLike()

	log.Info("starting", "objective", cfg.Objective, "optimizer", cfg.Optimizer, "steps", cfg.Steps)
	for step := 1; step <= cfg.Steps; step++ {
		obj.grad(grads[0], params[0])
		updates, next, err := opt.Update(grads, state, params)
		if err != nil {
			return result{}, errors.Wrapf(err, "step %d", step)
		}
		if params, err = schedulefree.ApplyUpdates(params, updates); err != nil {
			return result{}, err
		}
		state = next

		if cfg.LogEvery > 0 && step%cfg.LogEvery == 0 {
			if err := logProgress(log, obj, step, state, params); err != nil {
				return result{}, err
			}
		}
		log.Debug("step", "step", step, "params", params[0])
	}

	eval, err := schedulefree.EvalParams(state, params)
	if err != nil {
		return result{}, err
	}
	return result{Params: params[0], Eval: eval[0], Loss: obj.value(eval[0])}, nil
}

// logProgress logs the loss at the averaged parameters and the weight sum.
func logProgress(log *slog.Logger, obj objective, step int, state schedulefree.OptimizerState, params schedulefree.Tree) error {
	eval, err := schedulefree.EvalParams(state, params)
	if err != nil {
		return errors.Wrapf(err, "step %d", step)
	}
	st := state.(*schedulefree.State)
	log.Info("progress",
		"step", step,
		"loss", obj.value(eval[0]),
		"weight_sum", st.WeightSum,
	)
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(os.Stderr, cfg.Log)

	res, err := run(cfg, log)
	if err != nil {
		log.Error("optimization failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("eval params: %v (loss %.3g)\n", res.Eval, res.Loss)
	fmt.Printf("y params:    %v\n", res.Params)
}
