package search

import (
	"math"
	"math/rand"

	"github.com/PhilippMaxx/emotion-transformer/params"
)

// Space bounds the hyperparameters a trial may draw. Learning rate is
// sampled log-uniform; the continuous ranges uniform; the slices by
// choice.
type Space struct {
	LRMin, LRMax                 float64
	DropoutMin, DropoutMax       float64
	LayerDecayMin, LayerDecayMax float64

	ProjSizes        []int
	ClassifierLayers []int
	BatchSizes       []int
}

func DefaultSpace() Space {
	return Space{
		LRMin:            1e-5,
		LRMax:            1e-3,
		DropoutMin:       0.0,
		DropoutMax:       0.5,
		LayerDecayMin:    0.8,
		LayerDecayMax:    1.0,
		ProjSizes:        []int{64, 128, 256},
		ClassifierLayers: []int{0, 1, 2, 3},
		BatchSizes:       []int{16, 32, 64},
	}
}

// Sample draws one configuration from the space on top of base.
func (s Space) Sample(rng *rand.Rand, base params.Config) params.Config {
	cfg := base
	cfg.LR = logUniform(rng, s.LRMin, s.LRMax)
	cfg.Dropout = uniform(rng, s.DropoutMin, s.DropoutMax)
	cfg.LayerDecay = uniform(rng, s.LayerDecayMin, s.LayerDecayMax)
	if len(s.ProjSizes) > 0 {
		cfg.ProjSize = s.ProjSizes[rng.Intn(len(s.ProjSizes))]
	}
	if len(s.ClassifierLayers) > 0 {
		cfg.ClassifierLayers = s.ClassifierLayers[rng.Intn(len(s.ClassifierLayers))]
	}
	if len(s.BatchSizes) > 0 {
		cfg.BatchSize = s.BatchSizes[rng.Intn(len(s.BatchSizes))]
	}
	return cfg
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func logUniform(rng *rand.Rand, lo, hi float64) float64 {
	return math.Exp(uniform(rng, math.Log(lo), math.Log(hi)))
}
