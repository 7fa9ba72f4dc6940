// Package search runs randomized hyperparameter trials and keeps the
// configuration with the best validation micro-F1.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/PhilippMaxx/emotion-transformer/params"
)

// TrainFunc trains one sampled configuration to completion and returns
// its best validation micro-F1.
type TrainFunc func(ctx context.Context, log *logrus.Entry, cfg params.Config) (float64, error)

// Result is one finished trial.
type Result struct {
	Trial  int           `json:"trial"`
	ID     string        `json:"id"`
	RunDir string        `json:"run_dir"`
	ValF1  float64       `json:"val_f1"`
	Config params.Config `json:"config"`
	Err    string        `json:"error,omitempty"`
}

// Summary is the search.json shape written at the sweep root.
type Summary struct {
	Best   *Result  `json:"best,omitempty"`
	Trials []Result `json:"trials"`
}

// Run draws and trains trials configurations, at most workers at a
// time. Trial i samples with seed base.Seed+i and trains under its own
// run directory. A failed trial is recorded, not fatal; Run errors only
// when the context dies or no trial finishes.
func Run(ctx context.Context, log *logrus.Logger, base params.Config, space Space,
	trials, workers int, train TrainFunc) (*Result, []Result, error) {

	if trials < 1 {
		return nil, nil, fmt.Errorf("search: need at least one trial")
	}
	if workers < 1 {
		workers = 1
	}
	if err := os.MkdirAll(base.RunDir, 0o755); err != nil {
		return nil, nil, err
	}

	results := make([]Result, trials)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < trials; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Trial: i, Err: err.Error()}
				return nil
			}
			rng := rand.New(rand.NewSource(base.Seed + int64(i)))
			cfg := space.Sample(rng, base)
			cfg.Seed = base.Seed + int64(i)

			id := uuid.New().String()
			cfg.RunDir = filepath.Join(base.RunDir, fmt.Sprintf("trial%02d-%s", i, id[:8]))

			entry := log.WithFields(logrus.Fields{"trial": i, "run": id[:8]})
			entry.WithFields(logrus.Fields{
				"lr":          cfg.LR,
				"dropout":     cfg.Dropout,
				"layer_decay": cfg.LayerDecay,
				"proj_size":   cfg.ProjSize,
				"cls_layers":  cfg.ClassifierLayers,
				"batch_size":  cfg.BatchSize,
			}).Info("trial sampled")

			res := Result{Trial: i, ID: id, RunDir: cfg.RunDir, Config: cfg}
			f1, err := train(gctx, entry, cfg)
			if err != nil {
				entry.WithError(err).Warn("trial failed")
				res.Err = err.Error()
			} else {
				entry.WithField("val_f1", f1).Info("trial finished")
				res.ValF1 = f1
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, results, err
	}
	if err := ctx.Err(); err != nil {
		return nil, results, err
	}

	var best *Result
	for i := range results {
		if results[i].Err != "" {
			continue
		}
		if best == nil || results[i].ValF1 > best.ValF1 {
			best = &results[i]
		}
	}
	if best == nil {
		return nil, results, fmt.Errorf("search: all %d trials failed", trials)
	}

	if err := writeSummary(filepath.Join(base.RunDir, "search.json"), Summary{
		Best:   best,
		Trials: results,
	}); err != nil {
		return nil, results, err
	}
	return best, results, nil
}

func writeSummary(path string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
