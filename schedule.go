package schedulefree

import "math"

// Schedule maps a step index (starting at 0) to a scalar such as a learning
// rate or an interpolation coefficient. Schedules must be pure: the same
// count always yields the same value.
type Schedule func(count int64) float64

// Constant returns a schedule that always yields v. Unlike a multiplier,
// v == 0 is kept as is, which turns every step into a no-op.
func Constant(v float64) Schedule {
	return func(int64) float64 { return v }
}

// Linear interpolates from init to end over steps, then stays at end.
func Linear(init, end float64, steps int64) Schedule {
	if steps <= 0 {
		return Constant(end)
	}
	return func(count int64) float64 {
		if count <= 0 {
			return init
		}
		if count >= steps {
			return end
		}
		frac := float64(count) / float64(steps)
		return init + (end-init)*frac
	}
}

// WarmupConstant ramps linearly from init to peak over warmupSteps and then
// holds peak.
func WarmupConstant(init, peak float64, warmupSteps int64) Schedule {
	return Linear(init, peak, warmupSteps)
}

// Scaled multiplies base by the multiplier schedule m, e.g. a peak learning
// rate by a cosine multiplier in [0,1].
func Scaled(base float64, m Schedule) Schedule {
	return func(count int64) float64 { return base * m(count) }
}

// CosineWarmRestarts returns η_t = 0.5 + 0.5*cos(π*Tcur/Ti) (SGDR, Eq. 15)
// with periods measured in steps. The first period has initialPeriodSteps
// steps and each restart multiplies the period by tMult.
func CosineWarmRestarts(initialPeriodSteps int, tMult float64) (Schedule, error) {
	if initialPeriodSteps <= 0 {
		return nil, invalidf("initialPeriodSteps must be > 0, got %d", initialPeriodSteps)
	}
	if tMult < 1.0 {
		return nil, invalidf("tMult must be >= 1.0, got %g", tMult)
	}
	return func(count int64) float64 {
		tcur, period := restartPosition(count, initialPeriodSteps, tMult)
		r := float64(tcur) / float64(period)
		return 0.5 + 0.5*math.Cos(math.Pi*r)
	}, nil
}

// restartPosition returns the offset into the restart period that contains
// count together with that period's length. Period k starts at
// round(P*(tMult^k - 1)/(tMult - 1)), P being the initial period, so with
// tMult == 1 the periods all have length P and with an integral P*tMult^k
// each period is exactly tMult times the previous one. The period index is
// found in closed form, so the cost does not depend on count.
func restartPosition(count int64, initialPeriodSteps int, tMult float64) (tcur int64, period int64) {
	p := int64(initialPeriodSteps)
	if count < 0 {
		count = 0
	}
	if tMult == 1.0 {
		return count % p, p
	}

	logMult := math.Log1p(tMult - 1.0)
	start := func(k float64) int64 {
		v := math.Round(float64(p) * math.Expm1(k*logMult) / (tMult - 1.0))
		if v >= math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(v)
	}
	n := math.Floor(math.Log1p(float64(count)*(tMult-1.0)/float64(p)) / logMult)
	if n < 0 {
		n = 0
	}
	// Correct for rounding at the boundaries.
	for n > 0 && start(n) > count {
		n--
	}
	for next := start(n + 1); next <= count && next < math.MaxInt64; next = start(n + 1) {
		n++
	}
	first := start(n)
	return count - first, start(n+1) - first
}
