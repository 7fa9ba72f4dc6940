package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/PhilippMaxx/emotion-transformer/IO"
	"github.com/PhilippMaxx/emotion-transformer/metrics"
	"github.com/PhilippMaxx/emotion-transformer/optimizations"
	"github.com/PhilippMaxx/emotion-transformer/params"
	"github.com/PhilippMaxx/emotion-transformer/transformer"
	"github.com/PhilippMaxx/emotion-transformer/utils"
)

type epochMetrics struct {
	Epoch  int     `json:"epoch"`
	Loss   float64 `json:"loss"`
	ValF1  float64 `json:"val_f1"`
	ValAcc float64 `json:"val_accuracy"`
}

type runMetrics struct {
	BestValF1 float64        `json:"best_val_f1"`
	BestEpoch int            `json:"best_epoch"`
	Epochs    []epochMetrics `json:"epochs"`
}

// RunTraining fine-tunes a classifier under cfg and returns the best
// validation micro-F1 over the emotion labels. It doubles as the
// search.TrainFunc driving hyperparameter trials.
func RunTraining(ctx context.Context, log *logrus.Entry, cfg params.Config) (float64, error) {
	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return 0, err
	}
	if err := params.Save(cfg, filepath.Join(cfg.RunDir, "config.yaml")); err != nil {
		return 0, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	dl := &dataLoader{log: log, cfg: cfg, mayTrainTokenizer: true}
	trainEncs, err := dl.split(cfg.TrainPath, true)
	if err != nil {
		return 0, err
	}
	valEncs, err := dl.split(cfg.ValPath, true)
	if err != nil {
		return 0, err
	}
	if len(trainEncs) == 0 || len(valEncs) == 0 {
		return 0, fmt.Errorf("empty split: %d train / %d val records", len(trainEncs), len(valEncs))
	}

	model, err := buildModel(log, cfg, rng)
	if err != nil {
		return 0, err
	}
	if maxID := maxTokenID(trainEncs, valEncs); maxID >= model.Enc.VocabSize {
		return 0, fmt.Errorf("token id %d exceeds encoder vocabulary %d; retrain the tokenizer with a matching vocab_size",
			maxID, model.Enc.VocabSize)
	}

	masterParams := model.Params()
	groups := model.Groups(cfg.LayerDecay)
	opt := optimizations.NewAdamW(cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, cfg.WeightDecay)
	sched := optimizations.Schedule{WarmupSteps: cfg.WarmupSteps, DecaySteps: cfg.DecaySteps}

	workers := cfg.Devices
	if workers < 1 {
		workers = 1
	}
	replicas := make([]*transformer.Model, workers)
	replicaParams := make([][]*optimizations.Param, workers)
	workerRngs := make([]*rand.Rand, workers)
	for w := 0; w < workers; w++ {
		replicas[w] = model.ShareClone()
		replicaParams[w] = replicas[w].Params()
		workerRngs[w] = rand.New(rand.NewSource(cfg.Seed + 1000 + int64(w)))
	}

	log.WithFields(logrus.Fields{
		"train":   len(trainEncs),
		"val":     len(valEncs),
		"params":  len(masterParams),
		"workers": workers,
	}).Info("training")

	bestF1 := -1.0
	bestEpoch := 0
	noImprovement := 0
	step := 0
	history := make([]epochMetrics, 0, cfg.MaxEpochs)

	for e := 0; e < cfg.MaxEpochs; e++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		start := time.Now()
		var totalLoss float64
		var seen int

		for _, batch := range IO.Batches(len(trainEncs), cfg.BatchSize, rng) {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			step++
			loss := trainBatch(batchState{
				master:        masterParams,
				groups:        groups,
				replicas:      replicas,
				replicaParams: replicaParams,
				rngs:          workerRngs,
				opt:           opt,
				lr:            sched.At(step, cfg.LR),
				clip:          cfg.GradClip,
			}, trainEncs, batch)
			totalLoss += loss * float64(len(batch))
			seen += len(batch)
		}

		valConf := evaluate(model, valEncs)
		valF1 := valConf.Micro(params.LabelOthers).F1
		avgLoss := totalLoss / float64(seen)
		log.WithFields(logrus.Fields{
			"epoch":   e,
			"loss":    fmt.Sprintf("%.4f", avgLoss),
			"val_f1":  fmt.Sprintf("%.4f", valF1),
			"val_acc": fmt.Sprintf("%.4f", valConf.Accuracy()),
			"took":    time.Since(start).Round(time.Millisecond),
		}).Info("epoch finished")
		history = append(history, epochMetrics{
			Epoch: e, Loss: avgLoss, ValF1: valF1, ValAcc: valConf.Accuracy(),
		})

		if valF1 > bestF1 {
			bestF1 = valF1
			bestEpoch = e
			noImprovement = 0
			meta := transformer.CheckpointMeta{Step: opt.Step, Epoch: e, BestValF1: bestF1}
			if err := transformer.SaveCheckpoint(model, meta,
				filepath.Join(cfg.RunDir, "best_model.gob"), cfg.Precision); err != nil {
				return 0, err
			}
		} else {
			noImprovement++
			if noImprovement >= cfg.Patience {
				log.Info("stopping early: validation F1 stopped improving")
				break
			}
		}
	}

	if log.Logger.IsLevelEnabled(logrus.InfoLevel) && len(history) > 1 {
		fmt.Println("validation F1 by epoch:")
		vals := make([]float64, len(history))
		for i, h := range history {
			vals[i] = h.ValF1
		}
		asciiPlot(vals)
	}

	if err := writeRunMetrics(filepath.Join(cfg.RunDir, "metrics.json"), runMetrics{
		BestValF1: bestF1,
		BestEpoch: bestEpoch,
		Epochs:    history,
	}); err != nil {
		return 0, err
	}
	return bestF1, nil
}

type batchState struct {
	master        []*optimizations.Param
	groups        []transformer.ParamGroup
	replicas      []*transformer.Model
	replicaParams [][]*optimizations.Param
	rngs          []*rand.Rand
	opt           *optimizations.AdamW
	lr            float64
	clip          float64
}

// trainBatch shards the batch across the worker replicas, averages
// their gradients and applies one optimizer step. Returns the mean
// example loss.
func trainBatch(st batchState, data []IO.Encoded, batch []int) float64 {
	optimizations.ZeroGrads(st.master)

	scale := 1.0 / float64(len(batch))
	losses := make([]float64, len(st.replicas))
	var wg sync.WaitGroup
	for w := range st.replicas {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			optimizations.ZeroGrads(st.replicaParams[w])
			for bi := w; bi < len(batch); bi += len(st.replicas) {
				enc := data[batch[bi]]
				logits, tape := st.replicas[w].Forward(enc.Ids, st.rngs[w], true)
				loss, gradLogits := utils.CrossEntropyWithIndex(logits, enc.Label)
				losses[w] += loss
				gradLogits.Scale(scale, gradLogits)
				st.replicas[w].Backward(tape, gradLogits)
			}
		}(w)
	}
	wg.Wait()

	for w := range st.replicas {
		transformer.MergeGrads(st.master, st.replicaParams[w])
	}

	if st.clip > 0 {
		grads := make([]*mat.Dense, len(st.master))
		for i, p := range st.master {
			grads[i] = p.G
		}
		utils.ClipGrads(st.clip, grads...)
	}

	st.opt.Begin()
	for _, g := range st.groups {
		st.opt.Update(g.Params, st.lr*g.Scale)
	}

	var total float64
	for _, l := range losses {
		total += l
	}
	return total / float64(len(batch))
}

// evaluate scores data with dropout disabled.
func evaluate(model *transformer.Model, data []IO.Encoded) *metrics.Confusion {
	conf := metrics.NewConfusion(params.NumLabels)
	for _, enc := range data {
		logits, _ := model.Forward(enc.Ids, nil, false)
		conf.Add(enc.Label, utils.Argmax(logits))
	}
	return conf
}

// buildModel loads the pretrained encoder named by the config, or
// initializes everything randomly when no path is set. Fine-tuning
// starts a fresh optimizer, so loaded Adam moments are cleared.
func buildModel(log *logrus.Entry, cfg params.Config, rng *rand.Rand) (*transformer.Model, error) {
	if cfg.PretrainedPath == "" {
		log.Warn("no pretrained encoder configured; training the encoder from scratch")
		return transformer.NewModel(cfg, rng), nil
	}
	enc, err := transformer.LoadEncoder(cfg.PretrainedPath)
	if err != nil {
		return nil, fmt.Errorf("pretrained encoder: %w", err)
	}
	for _, p := range enc.Params() {
		p.M.Zero()
		p.V.Zero()
	}
	log.WithFields(logrus.Fields{
		"path":    cfg.PretrainedPath,
		"d_model": enc.DModel,
		"layers":  len(enc.Blocks),
		"vocab":   enc.VocabSize,
	}).Info("loaded pretrained encoder")
	cls := transformer.CreateClassifier(enc.DModel, cfg.ProjSize, cfg.ClassifierLayers,
		params.NumLabels, cfg.Dropout, rng)
	return &transformer.Model{Enc: enc, Cls: cls}, nil
}

func maxTokenID(splits ...[]IO.Encoded) int {
	max := -1
	for _, encs := range splits {
		for _, e := range encs {
			for j := 0; j < 3; j++ {
				for _, id := range e.Ids[j] {
					if id > max {
						max = id
					}
				}
			}
		}
	}
	return max
}

func writeRunMetrics(path string, m runMetrics) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// dataLoader resolves splits to encoded examples, preferring the
// binary cache and tokenizing on the fly otherwise. The tokenizer is
// loaded (or trained, when allowed) only when a split needs encoding.
type dataLoader struct {
	log               *logrus.Entry
	cfg               params.Config
	mayTrainTokenizer bool
	tok               *IO.Tokenizer
}

func (dl *dataLoader) split(path string, needLabels bool) ([]IO.Encoded, error) {
	if IO.HasEncodedBinary(path) {
		dl.log.WithField("path", path).Debug("loading cached token ids")
		encs, err := IO.LoadEncodedBinary(path)
		if err != nil {
			return nil, err
		}
		if needLabels {
			for i, e := range encs {
				if e.Label < 0 {
					return nil, fmt.Errorf("%s: cached record %d has no label", path, i+1)
				}
			}
		}
		return encs, nil
	}

	examples, err := IO.LoadExamples(path)
	if err != nil {
		return nil, err
	}
	if needLabels {
		if err := IO.RequireLabels(examples, path); err != nil {
			return nil, err
		}
	}
	tok, err := dl.tokenizer()
	if err != nil {
		return nil, err
	}
	return IO.EncodeExamples(tok, examples, dl.cfg.MaxSeqLen)
}

func (dl *dataLoader) tokenizer() (*IO.Tokenizer, error) {
	if dl.tok != nil {
		return dl.tok, nil
	}
	if _, err := os.Stat(dl.cfg.TokenizerPath); err == nil {
		tok, err := IO.LoadTokenizer(dl.cfg.TokenizerPath)
		if err != nil {
			return nil, err
		}
		dl.tok = tok
		return tok, nil
	}
	if !dl.mayTrainTokenizer {
		return nil, fmt.Errorf("tokenizer %s not found; run prepare or train first", dl.cfg.TokenizerPath)
	}

	dl.log.WithField("path", dl.cfg.TokenizerPath).Info("training BPE tokenizer")
	examples, err := IO.LoadExamples(dl.cfg.TrainPath)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(dl.cfg.TokenizerPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	corpus := dl.cfg.TokenizerPath + ".corpus.txt"
	if err := IO.WriteCorpus(examples, corpus); err != nil {
		return nil, err
	}
	tok, err := IO.TrainOrLoadBPE(corpus, dl.cfg.TokenizerPath, dl.cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	dl.tok = tok
	return tok, nil
}
