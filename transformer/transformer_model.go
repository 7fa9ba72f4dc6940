package transformer

import (
	"math"
	"math/rand"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/PhilippMaxx/emotion-transformer/optimizations"
	"github.com/PhilippMaxx/emotion-transformer/params"
	"github.com/PhilippMaxx/emotion-transformer/utils"
)

// Model is the full contextual emotion classifier: one shared encoder
// applied to each conversation turn, and the classifier head on top.
type Model struct {
	Enc *Encoder
	Cls *Classifier
}

// Tape records one conversation's forward pass. Encoder tapes are nil
// for empty turns, which contribute zero vectors and receive no
// gradient.
type Tape struct {
	Enc [3]*EncoderTape
	Cls *ClassifierTape
}

func NewModel(cfg params.Config, rng *rand.Rand) *Model {
	return &Model{
		Enc: CreateEncoder(cfg, rng),
		Cls: CreateClassifier(cfg.DModel, cfg.ProjSize, cfg.ClassifierLayers,
			params.NumLabels, cfg.Dropout, rng),
	}
}

// Forward scores one conversation and returns (numLabels x 1) logits.
func (m *Model) Forward(ids [3][]int, rng *rand.Rand, training bool) (*mat.Dense, *Tape) {
	tp := &Tape{}
	var vecs [3]*mat.Dense
	for i, seq := range ids {
		if len(seq) == 0 {
			continue
		}
		vecs[i], tp.Enc[i] = m.Enc.Encode(seq)
	}
	logits, ctp := m.Cls.Forward(vecs, rng, training)
	tp.Cls = ctp
	return logits, tp
}

func (m *Model) Backward(tp *Tape, dLogits *mat.Dense) {
	dVecs := m.Cls.Backward(tp.Cls, dLogits)
	for i := 0; i < 3; i++ {
		if tp.Enc[i] != nil {
			m.Enc.Backward(tp.Enc[i], dVecs[i])
		}
	}
}

// Predict runs one conversation in evaluation mode and returns the
// predicted label index with the class distribution.
func (m *Model) Predict(ids [3][]int) (int, []float64) {
	logits, _ := m.Forward(ids, nil, false)
	probs := utils.ColVectorSoftmax(logits)
	r, _ := probs.Dims()
	dist := make([]float64, r)
	for i := 0; i < r; i++ {
		dist[i] = probs.At(i, 0)
	}
	return utils.Argmax(probs), dist
}

// Params returns every trainable parameter in a fixed order. Clones
// produced by ShareClone list theirs in the same order, so gradients
// merge by index.
func (m *Model) Params() []*optimizations.Param {
	return append(m.Enc.Params(), m.Cls.Params()...)
}

func (m *Model) ShareClone() *Model {
	return &Model{Enc: m.Enc.ShareClone(), Cls: m.Cls.ShareClone()}
}

// MergeGrads adds each worker parameter's gradient into the matching
// master parameter.
func MergeGrads(master, worker []*optimizations.Param) {
	if len(master) != len(worker) {
		panic("mergeGrads: param count mismatch")
	}
	for i := range master {
		master[i].AddGrad(worker[i].G)
	}
}

// ParamGroup is a set of parameters sharing one learning-rate scale.
type ParamGroup struct {
	Name   string
	Scale  float64
	Params []*optimizations.Param
}

// Groups buckets the parameters for layer-wise learning-rate decay:
// the head trains at the scheduled rate, encoder block i at
// decay^(L-i), and the embeddings at decay^(L+1).
func (m *Model) Groups(decay float64) []ParamGroup {
	L := len(m.Enc.Blocks)
	groups := []ParamGroup{{Name: "classifier", Scale: 1, Params: m.Cls.Params()}}
	for i := L - 1; i >= 0; i-- {
		groups = append(groups, ParamGroup{
			Name:   "block" + strconv.Itoa(i),
			Scale:  math.Pow(decay, float64(L-i)),
			Params: m.Enc.Blocks[i].Params(),
		})
	}
	return append(groups, ParamGroup{
		Name:   "embeddings",
		Scale:  math.Pow(decay, float64(L+1)),
		Params: []*optimizations.Param{m.Enc.Emb, m.Enc.Pos},
	})
}
