package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/PhilippMaxx/emotion-transformer/IO"
	"github.com/PhilippMaxx/emotion-transformer/transformer"
)

func writeSplit(t *testing.T, path string, rows string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(rows), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunPrepareCachesAllSplits(t *testing.T) {
	dir := t.TempDir()
	trainPath := filepath.Join(dir, "train.txt")
	valPath := filepath.Join(dir, "dev.txt")
	testPath := filepath.Join(dir, "test.txt")

	writeSplit(t, trainPath,
		"id\tturn1\tturn2\tturn3\tlabel\n"+
			"1\they there\thow are you\tgood thanks\thappy\n"+
			"2\twhat\tno way\tstop it now\tangry\n"+
			"3\ti am late\tagain\tso sorry\tsad\n"+
			"4\tok\tsee you\ttomorrow\tothers\n")
	writeSplit(t, valPath,
		"1\thello\tare you ok\tnot really\tsad\n"+
			"2\tnice\tvery nice\tlove it\thappy\n")
	writeSplit(t, testPath,
		"1\they\twhat now\tnothing\n"+
			"2\twhy\tbecause\tfine then\n")

	cfg := tinyConfig(dir)
	cfg.TrainPath = trainPath
	cfg.ValPath = valPath
	cfg.TestPath = testPath
	cfg.TokenizerPath = filepath.Join(dir, "tokenizer.json")
	cfg.VocabSize = 300

	if err := RunPrepare(context.Background(), testLogger(), cfg, false); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(cfg.TokenizerPath); err != nil {
		t.Fatalf("tokenizer not written: %v", err)
	}
	for _, p := range []string{trainPath, valPath, testPath} {
		if !IO.HasEncodedBinary(p) {
			t.Fatalf("no cache next to %s", p)
		}
	}

	encs, err := IO.LoadEncodedBinary(trainPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(encs) != 4 {
		t.Fatalf("train cache has %d records, want 4", len(encs))
	}
	if encs[0].Label != 1 || encs[3].Label != 0 {
		t.Fatalf("labels lost in cache: %d and %d", encs[0].Label, encs[3].Label)
	}

	unlabeled, err := IO.LoadEncodedBinary(testPath)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range unlabeled {
		if e.Label != -1 {
			t.Fatalf("test record %d got label %d, want -1", i, e.Label)
		}
	}

	// A second run must be a cheap no-op over the existing caches.
	if err := RunPrepare(context.Background(), testLogger(), cfg, false); err != nil {
		t.Fatalf("re-run over caches: %v", err)
	}
}

func TestRunPrepareInitEncoder(t *testing.T) {
	dir := t.TempDir()
	trainPath := filepath.Join(dir, "train.txt")
	writeSplit(t, trainPath,
		"1\they there\thow are you\tgood thanks\thappy\n"+
			"2\twhat\tno way\tstop it now\tangry\n")

	cfg := tinyConfig(dir)
	cfg.TrainPath = trainPath
	cfg.ValPath = ""
	cfg.TestPath = ""
	cfg.TokenizerPath = filepath.Join(dir, "tokenizer.json")
	cfg.VocabSize = 300
	cfg.PretrainedPath = filepath.Join(dir, "weights", "encoder.gob")

	if err := RunPrepare(context.Background(), testLogger(), cfg, true); err != nil {
		t.Fatal(err)
	}
	enc, err := transformer.LoadEncoder(cfg.PretrainedPath)
	if err != nil {
		t.Fatalf("fresh encoder unreadable: %v", err)
	}
	if enc.DModel != cfg.DModel || enc.VocabSize != cfg.VocabSize {
		t.Fatalf("fresh encoder dims %d/%d, want %d/%d",
			enc.DModel, enc.VocabSize, cfg.DModel, cfg.VocabSize)
	}

	// Never clobber an existing encoder file.
	if err := RunPrepare(context.Background(), testLogger(), cfg, true); err == nil {
		t.Fatal("existing encoder overwritten")
	}
}
