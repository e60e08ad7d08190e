package schedulefree

// OptimizationStrategy selects the kernel used for one leaf.
type OptimizationStrategy int

const (
	// StrategyPureBLAS uses only BLAS operations with minimal fusion
	StrategyPureBLAS OptimizationStrategy = iota
	// StrategyFusion fuses the moment updates and the bias-corrected sqrt
	StrategyFusion
	// StrategyHeavyFusion computes the whole direction in a single pass
	StrategyHeavyFusion
)

func (s OptimizationStrategy) String() string {
	switch s {
	case StrategyPureBLAS:
		return "pure-blas"
	case StrategyFusion:
		return "fusion"
	case StrategyHeavyFusion:
		return "heavy-fusion"
	default:
		return "unknown"
	}
}

// AdaptiveConfig holds the leaf-size thresholds for strategy selection.
type AdaptiveConfig struct {
	SmallVectorThreshold int // < this size: use StrategyPureBLAS
	LargeVectorThreshold int // >= this size: use StrategyHeavyFusion
}

// DefaultAdaptiveConfig returns sensible defaults for the current system
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		SmallVectorThreshold: 512,  // Below this: simple BLAS operations
		LargeVectorThreshold: 4096, // Above this: single-pass kernel
	}
}

// SelectOptimizationStrategy chooses the best strategy for given vector size
func SelectOptimizationStrategy(vectorSize int, config AdaptiveConfig) OptimizationStrategy {
	if vectorSize < config.SmallVectorThreshold {
		// Small vectors: overhead of fusion may not be worth it
		return StrategyPureBLAS
	}

	if vectorSize >= config.LargeVectorThreshold {
		// Large vectors: memory bandwidth becomes critical
		return StrategyHeavyFusion
	}

	return StrategyFusion
}
