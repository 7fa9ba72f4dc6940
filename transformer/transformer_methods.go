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

// Encoder turns a token id sequence into a single sentence vector:
// token + position embeddings, a stack of pre-norm blocks, then mean
// pooling over positions.
type Encoder struct {
	DModel    int
	Hidden    int
	NumHeads  int
	VocabSize int
	MaxSeqLen int

	Emb    *optimizations.Param // (dModel x vocab), one column per token id
	Pos    *optimizations.Param // (dModel x maxSeqLen)
	Blocks []*EncoderBlock
}

type EncoderBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

type BlockTape struct {
	Ln1  *optimizations.LayerNormTape
	Ln2  *optimizations.LayerNormTape
	Attn *AttnTape
	Mlp  *MLPTape
}

// EncoderTape records one sequence's forward pass.
type EncoderTape struct {
	Ids    []int
	T      int
	Blocks []*BlockTape
}

// Initialization

func CreateEncoder(cfg params.Config, rng *rand.Rand) *Encoder {
	if cfg.DModel%cfg.NumHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	enc := &Encoder{
		DModel:    cfg.DModel,
		Hidden:    cfg.HiddenSize,
		NumHeads:  cfg.NumHeads,
		VocabSize: cfg.VocabSize,
		MaxSeqLen: cfg.MaxSeqLen,
		Emb: optimizations.NewParam("emb", cfg.DModel, cfg.VocabSize,
			utils.RandomArray(rng, cfg.DModel*cfg.VocabSize, float64(cfg.VocabSize))),
		Pos: optimizations.NewParam("pos", cfg.DModel, cfg.MaxSeqLen,
			utils.RandomArray(rng, cfg.DModel*cfg.MaxSeqLen, float64(cfg.MaxSeqLen))),
		Blocks: make([]*EncoderBlock, cfg.EncoderLayers),
	}
	enc.Emb.NoDecay = true
	enc.Pos.NoDecay = true
	for i := range enc.Blocks {
		enc.Blocks[i] = newEncoderBlock(i, cfg.DModel, cfg.HiddenSize, cfg.NumHeads, rng)
	}
	return enc
}

func newEncoderBlock(idx, dModel, hidden, nHeads int, rng *rand.Rand) *EncoderBlock {
	name := "block" + strconv.Itoa(idx)
	mlp := &MLP{
		Inputs:  dModel,
		Hiddens: hidden,
		Outputs: dModel,
		HiddenWeights: optimizations.NewParam(name+".mlp.hiddenW", hidden, dModel,
			utils.RandomArray(rng, hidden*dModel, float64(dModel))),
		HiddenBias: optimizations.NewParam(name+".mlp.hiddenB", hidden, 1, nil),
		OutputWeights: optimizations.NewParam(name+".mlp.outputW", dModel, hidden,
			utils.RandomArray(rng, dModel*hidden, float64(hidden))),
		OutputBias: optimizations.NewParam(name+".mlp.outputB", dModel, 1, nil),
	}
	mlp.HiddenBias.NoDecay = true
	mlp.OutputBias.NoDecay = true
	return &EncoderBlock{
		Attn: NewAttention(name, dModel, nHeads, rng),
		Mlp:  mlp,
		Ln1:  optimizations.NewLayerNorm(name+".ln1", dModel),
		Ln2:  optimizations.NewLayerNorm(name+".ln2", dModel),
	}
}

func NewAttention(name string, dModel, nHeads int, rng *rand.Rand) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,
		Wquery: make([]*optimizations.Param, nHeads),
		Wkey:   make([]*optimizations.Param, nHeads),
		Wvalue: make([]*optimizations.Param, nHeads),
	}
	for h := 0; h < nHeads; h++ {
		hs := strconv.Itoa(h)
		attn.Wquery[h] = optimizations.NewParam(name+".attn.wq"+hs, dHead, dModel,
			utils.RandomArray(rng, dHead*dModel, float64(dModel)))
		attn.Wkey[h] = optimizations.NewParam(name+".attn.wk"+hs, dHead, dModel,
			utils.RandomArray(rng, dHead*dModel, float64(dModel)))
		attn.Wvalue[h] = optimizations.NewParam(name+".attn.wv"+hs, dHead, dModel,
			utils.RandomArray(rng, dHead*dModel, float64(dModel)))
	}
	attn.Woutput = optimizations.NewParam(name+".attn.wo", dModel, dModel,
		utils.RandomArray(rng, dModel*dModel, float64(dModel)))
	return attn
}

// Block forward/backward with residuals.

func (b *EncoderBlock) Forward(X *mat.Dense) (*mat.Dense, *BlockTape) {
	c := 1 / math.Sqrt(2)
	n1, ln1tp := b.Ln1.Forward(X)
	attnOut, atp := b.Attn.Forward(n1)
	xRes := utils.ToDense(utils.Add(X, utils.Scale(c, attnOut)))
	n2, ln2tp := b.Ln2.Forward(xRes)
	mlpOut, mtp := b.Mlp.Forward(n2)
	Y := utils.ToDense(utils.Add(xRes, utils.Scale(c, mlpOut)))
	return Y, &BlockTape{Ln1: ln1tp, Ln2: ln2tp, Attn: atp, Mlp: mtp}
}

func (b *EncoderBlock) Backward(tp *BlockTape, grad *mat.Dense) *mat.Dense {
	// Y = xRes + c*MLP(x2); x2 = Ln2(xRes); xRes = X + c*Attn(Ln1(X))
	c := 1 / math.Sqrt(2)

	dX2 := b.Mlp.Backward(tp.Mlp, utils.ToDense(utils.Scale(c, grad)))
	dXresFromLn2 := b.Ln2.Backward(tp.Ln2, dX2)
	dXresTotal := utils.ToDense(utils.Add(grad, dXresFromLn2))
	dX1 := b.Attn.Backward(tp.Attn, utils.ToDense(utils.Scale(c, dXresTotal)))
	dXFromLn1 := b.Ln1.Backward(tp.Ln1, dX1)

	return utils.ToDense(utils.Add(dXresTotal, dXFromLn1))
}

func (b *EncoderBlock) Params() []*optimizations.Param {
	out := b.Attn.Params()
	out = append(out, b.Mlp.Params()...)
	out = append(out, b.Ln1.Params()...)
	return append(out, b.Ln2.Params()...)
}

func (b *EncoderBlock) ShareClone() *EncoderBlock {
	return &EncoderBlock{
		Attn: b.Attn.ShareClone(),
		Mlp:  b.Mlp.ShareClone(),
		Ln1:  b.Ln1.ShareWeights(),
		Ln2:  b.Ln2.ShareWeights(),
	}
}

// Encode runs the full stack over one token sequence and mean-pools the
// final activations into a (dModel x 1) sentence vector. Sequences
// longer than MaxSeqLen are truncated.
func (e *Encoder) Encode(ids []int) (*mat.Dense, *EncoderTape) {
	if len(ids) == 0 {
		panic("encode: empty token sequence")
	}
	if len(ids) > e.MaxSeqLen {
		ids = ids[:e.MaxSeqLen]
	}
	T := len(ids)

	X := mat.NewDense(e.DModel, T, nil)
	for t, id := range ids {
		if id < 0 || id >= e.VocabSize {
			panic("encode: token id out of vocabulary range")
		}
		for i := 0; i < e.DModel; i++ {
			X.Set(i, t, e.Emb.W.At(i, id)+e.Pos.W.At(i, t))
		}
	}

	tp := &EncoderTape{Ids: ids, T: T, Blocks: make([]*BlockTape, len(e.Blocks))}
	for bi, b := range e.Blocks {
		X, tp.Blocks[bi] = b.Forward(X)
	}
	return utils.MeanCols(X), tp
}

// Backward propagates the sentence-vector gradient down the stack and
// accumulates embedding gradients.
func (e *Encoder) Backward(tp *EncoderTape, dVec *mat.Dense) {
	dX := utils.SpreadMeanGrad(dVec, tp.T)
	for bi := len(e.Blocks) - 1; bi >= 0; bi-- {
		dX = e.Blocks[bi].Backward(tp.Blocks[bi], dX)
	}
	for t, id := range tp.Ids {
		for i := 0; i < e.DModel; i++ {
			e.Emb.G.Set(i, id, e.Emb.G.At(i, id)+dX.At(i, t))
			e.Pos.G.Set(i, t, e.Pos.G.At(i, t)+dX.At(i, t))
		}
	}
}

func (e *Encoder) Params() []*optimizations.Param {
	out := []*optimizations.Param{e.Emb, e.Pos}
	for _, b := range e.Blocks {
		out = append(out, b.Params()...)
	}
	return out
}

func (e *Encoder) ShareClone() *Encoder {
	cl := &Encoder{
		DModel:    e.DModel,
		Hidden:    e.Hidden,
		NumHeads:  e.NumHeads,
		VocabSize: e.VocabSize,
		MaxSeqLen: e.MaxSeqLen,
		Emb:       e.Emb.ShareWeights(),
		Pos:       e.Pos.ShareWeights(),
		Blocks:    make([]*EncoderBlock, len(e.Blocks)),
	}
	for i, b := range e.Blocks {
		cl.Blocks[i] = b.ShareClone()
	}
	return cl
}
