package search

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/PhilippMaxx/emotion-transformer/params"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestSampleStaysWithinSpace(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	space := DefaultSpace()
	base := params.Default()

	intIn := func(v int, set []int) bool {
		for _, s := range set {
			if v == s {
				return true
			}
		}
		return false
	}

	for i := 0; i < 200; i++ {
		cfg := space.Sample(rng, base)
		if cfg.LR < space.LRMin || cfg.LR > space.LRMax {
			t.Fatalf("lr %g outside [%g, %g]", cfg.LR, space.LRMin, space.LRMax)
		}
		if cfg.Dropout < space.DropoutMin || cfg.Dropout > space.DropoutMax {
			t.Fatalf("dropout %g outside bounds", cfg.Dropout)
		}
		if cfg.LayerDecay < space.LayerDecayMin || cfg.LayerDecay > space.LayerDecayMax {
			t.Fatalf("layer decay %g outside bounds", cfg.LayerDecay)
		}
		if !intIn(cfg.ProjSize, space.ProjSizes) {
			t.Fatalf("proj size %d not in %v", cfg.ProjSize, space.ProjSizes)
		}
		if !intIn(cfg.ClassifierLayers, space.ClassifierLayers) {
			t.Fatalf("classifier layers %d not in %v", cfg.ClassifierLayers, space.ClassifierLayers)
		}
		if !intIn(cfg.BatchSize, space.BatchSizes) {
			t.Fatalf("batch size %d not in %v", cfg.BatchSize, space.BatchSizes)
		}
		if cfg.DModel != base.DModel || cfg.TrainPath != base.TrainPath {
			t.Fatal("sample modified fields outside the space")
		}
	}
}

func TestSampleDeterministicUnderSeed(t *testing.T) {
	base := params.Default()
	a := DefaultSpace().Sample(rand.New(rand.NewSource(9)), base)
	b := DefaultSpace().Sample(rand.New(rand.NewSource(9)), base)
	if a != b {
		t.Fatalf("same seed sampled different configs:\n%+v\n%+v", a, b)
	}
}

func TestRunPicksBestTrial(t *testing.T) {
	base := params.Default()
	base.RunDir = t.TempDir()
	base.Seed = 7

	train := func(ctx context.Context, log *logrus.Entry, cfg params.Config) (float64, error) {
		return cfg.Dropout, nil // deterministic per sampled config
	}

	best, results, err := Run(context.Background(), quietLogger(), base, DefaultSpace(), 5, 2, train)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	for i, r := range results {
		if r.Trial != i {
			t.Fatalf("result %d carries trial %d", i, r.Trial)
		}
		if r.Err != "" {
			t.Fatalf("trial %d failed: %s", i, r.Err)
		}
		if !strings.HasPrefix(r.RunDir, base.RunDir) {
			t.Fatalf("trial dir %q outside sweep root", r.RunDir)
		}
		if r.ValF1 > best.ValF1 {
			t.Fatalf("trial %d (%g) beats reported best (%g)", i, r.ValF1, best.ValF1)
		}
		if r.Config.Seed != base.Seed+int64(i) {
			t.Fatalf("trial %d seeded %d", i, r.Config.Seed)
		}
	}
	if _, err := os.Stat(filepath.Join(base.RunDir, "search.json")); err != nil {
		t.Fatalf("summary not written: %v", err)
	}
}

func TestRunRecordsFailedTrials(t *testing.T) {
	base := params.Default()
	base.RunDir = t.TempDir()
	base.Seed = 3

	boom := base.Seed + 1
	train := func(ctx context.Context, log *logrus.Entry, cfg params.Config) (float64, error) {
		if cfg.Seed == boom {
			return 0, errors.New("diverged")
		}
		return cfg.LR, nil
	}

	best, results, err := Run(context.Background(), quietLogger(), base, DefaultSpace(), 4, 2, train)
	if err != nil {
		t.Fatal(err)
	}
	if results[1].Err == "" {
		t.Fatal("failed trial not recorded")
	}
	if best.Trial == 1 {
		t.Fatal("failed trial selected as best")
	}
}

func TestRunFailsWhenAllTrialsFail(t *testing.T) {
	base := params.Default()
	base.RunDir = t.TempDir()

	train := func(ctx context.Context, log *logrus.Entry, cfg params.Config) (float64, error) {
		return 0, errors.New("nope")
	}

	if _, _, err := Run(context.Background(), quietLogger(), base, DefaultSpace(), 3, 1, train); err == nil {
		t.Fatal("expected an error when every trial fails")
	}
}

func TestRunRejectsZeroTrials(t *testing.T) {
	base := params.Default()
	base.RunDir = t.TempDir()
	train := func(ctx context.Context, log *logrus.Entry, cfg params.Config) (float64, error) {
		return 0, nil
	}
	if _, _, err := Run(context.Background(), quietLogger(), base, DefaultSpace(), 0, 1, train); err == nil {
		t.Fatal("zero trials accepted")
	}
}
