package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/PhilippMaxx/emotion-transformer/metrics"
	"github.com/PhilippMaxx/emotion-transformer/params"
	"github.com/PhilippMaxx/emotion-transformer/transformer"
)

// RunEvaluation scores a trained checkpoint on the test split, prints
// the per-label report as JSON and writes it next to the checkpoint.
func RunEvaluation(ctx context.Context, log *logrus.Entry, cfg params.Config, checkpoint string) error {
	model, meta, err := transformer.LoadCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"checkpoint": checkpoint,
		"step":       meta.Step,
		"epoch":      meta.Epoch,
		"val_f1":     fmt.Sprintf("%.4f", meta.BestValF1),
	}).Info("loaded checkpoint")

	dl := &dataLoader{log: log, cfg: cfg}
	testEncs, err := dl.split(cfg.TestPath, true)
	if err != nil {
		return err
	}
	if maxID := maxTokenID(testEncs); maxID >= model.Enc.VocabSize {
		return fmt.Errorf("token id %d exceeds encoder vocabulary %d; the tokenizer does not match this checkpoint",
			maxID, model.Enc.VocabSize)
	}

	conf := evaluate(model, testEncs)
	rep := conf.Report(params.Labels, params.LabelOthers)
	log.WithFields(logrus.Fields{
		"examples": conf.Total,
		"accuracy": fmt.Sprintf("%.4f", rep.Accuracy),
		"micro_p":  fmt.Sprintf("%.4f", rep.Micro.Precision),
		"micro_r":  fmt.Sprintf("%.4f", rep.Micro.Recall),
		"micro_f1": fmt.Sprintf("%.4f", rep.Micro.F1),
	}).Info("test metrics")

	if err := printReport(rep); err != nil {
		return err
	}
	return writeReport(rep, filepath.Join(filepath.Dir(checkpoint), "eval_metrics.json"))
}

func printReport(rep metrics.Report) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func writeReport(rep metrics.Report, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
