package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/PhilippMaxx/emotion-transformer/IO"
	"github.com/PhilippMaxx/emotion-transformer/params"
	"github.com/PhilippMaxx/emotion-transformer/transformer"
)

// RunPrepare trains the tokenizer if needed and writes the binary
// token-id cache for every configured split, so later runs skip text
// parsing and BPE encoding entirely. With initEncoder it also writes a
// randomly initialized encoder to pretrained_path, for pipelines that
// pretrain in a separate step.
func RunPrepare(ctx context.Context, log *logrus.Entry, cfg params.Config, initEncoder bool) error {
	dl := &dataLoader{log: log, cfg: cfg, mayTrainTokenizer: true}
	tok, err := dl.tokenizer()
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"path":  cfg.TokenizerPath,
		"vocab": tok.VocabSize(),
	}).Info("tokenizer ready")

	if initEncoder {
		if err := writeFreshEncoder(log, cfg); err != nil {
			return err
		}
	}

	for _, path := range []string{cfg.TrainPath, cfg.ValPath, cfg.TestPath} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == "" {
			continue
		}
		if IO.HasEncodedBinary(path) {
			log.WithField("path", path).Info("cache up to date")
			continue
		}
		examples, err := IO.LoadExamples(path)
		if err != nil {
			return err
		}
		encs, err := IO.EncodeExamples(tok, examples, cfg.MaxSeqLen)
		if err != nil {
			return err
		}
		if err := IO.ExportEncodedBinary(encs, path); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"path":    path,
			"records": len(encs),
		}).Info("cached token ids")
	}
	return nil
}

func writeFreshEncoder(log *logrus.Entry, cfg params.Config) error {
	if cfg.PretrainedPath == "" {
		return fmt.Errorf("init-encoder needs pretrained_path to name the output file")
	}
	if _, err := os.Stat(cfg.PretrainedPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing encoder %s", cfg.PretrainedPath)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.PretrainedPath), 0o755); err != nil {
		return err
	}
	enc := transformer.CreateEncoder(cfg, rand.New(rand.NewSource(cfg.Seed)))
	if err := transformer.SaveEncoder(enc, cfg.PretrainedPath, cfg.Precision); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"path":    cfg.PretrainedPath,
		"d_model": cfg.DModel,
		"layers":  cfg.EncoderLayers,
		"vocab":   cfg.VocabSize,
	}).Info("wrote fresh encoder")
	return nil
}
