package transformer

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/PhilippMaxx/emotion-transformer/optimizations"
	"github.com/PhilippMaxx/emotion-transformer/utils"
)

// Attention is bidirectional multi-head self-attention over a
// (dModel x T) activation matrix. Every position attends to every
// other; utterances are encoded whole, so no causal mask applies.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Wquery  []*optimizations.Param // per head, (dHead x dModel)
	Wkey    []*optimizations.Param
	Wvalue  []*optimizations.Param
	Woutput *optimizations.Param // (dModel x dModel)
}

// AttnTape carries the forward intermediates backward needs. Keeping
// them out of the module lets one set of weights run several forwards
// (three conversation turns, parallel workers) before any backward.
type AttnTape struct {
	X       *mat.Dense   // input, (dModel x T)
	Q, K, V []*mat.Dense // per head, (dHead x T)
	A       []*mat.Dense // per head attention weights, (T x T)
	Ocat    *mat.Dense   // concatenated head outputs, (dModel x T)
}

func (attn *Attention) Params() []*optimizations.Param {
	out := make([]*optimizations.Param, 0, 3*attn.H+1)
	for h := 0; h < attn.H; h++ {
		out = append(out, attn.Wquery[h], attn.Wkey[h], attn.Wvalue[h])
	}
	return append(out, attn.Woutput)
}

func (attn *Attention) ShareClone() *Attention {
	cl := &Attention{
		H:       attn.H,
		DModel:  attn.DModel,
		DHead:   attn.DHead,
		Wquery:  make([]*optimizations.Param, attn.H),
		Wkey:    make([]*optimizations.Param, attn.H),
		Wvalue:  make([]*optimizations.Param, attn.H),
		Woutput: attn.Woutput.ShareWeights(),
	}
	for h := 0; h < attn.H; h++ {
		cl.Wquery[h] = attn.Wquery[h].ShareWeights()
		cl.Wkey[h] = attn.Wkey[h].ShareWeights()
		cl.Wvalue[h] = attn.Wvalue[h].ShareWeights()
	}
	return cl
}

func (attn *Attention) Forward(X *mat.Dense) (*mat.Dense, *AttnTape) {
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)
	tp := &AttnTape{
		X: X,
		Q: make([]*mat.Dense, attn.H),
		K: make([]*mat.Dense, attn.H),
		V: make([]*mat.Dense, attn.H),
		A: make([]*mat.Dense, attn.H),
	}

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	for h := 0; h < attn.H; h++ {
		q := mat.NewDense(attn.DHead, T, nil)
		k := mat.NewDense(attn.DHead, T, nil)
		v := mat.NewDense(attn.DHead, T, nil)
		q.Mul(attn.Wquery[h].W, X)
		k.Mul(attn.Wkey[h].W, X)
		v.Mul(attn.Wvalue[h].W, X)

		// S = (Q^T K)/sqrt(dHead), A = softmax_row(S)
		scores := mat.NewDense(T, T, nil)
		scores.Mul(q.T(), k)
		scores.Scale(rescale, scores)
		a := utils.RowSoftmax(scores)

		// O = V * A^T
		o := mat.NewDense(attn.DHead, T, nil)
		o.Mul(v, a.T())
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(o)

		tp.Q[h], tp.K[h], tp.V[h], tp.A[h] = q, k, v, a
	}
	tp.Ocat = headsCat

	Y := utils.ToDense(utils.Dot(attn.Woutput.W, headsCat)) // (dModel x T)
	return Y, tp
}

// Backward accumulates weight gradients into the params and returns dX.
func (attn *Attention) Backward(tp *AttnTape, dY *mat.Dense) *mat.Dense {
	_, T := tp.X.Dims()

	// dY with respect to Y = Wout * Ocat
	attn.Woutput.AddGrad(utils.ToDense(utils.Dot(dY, tp.Ocat.T())))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.W.T(), dY))

	dXtotal := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	row := 0
	for h := 0; h < attn.H; h++ {
		// slice out this head's portion of dOcat
		dO := dOcat.Slice(row, row+attn.DHead, 0, T).(*mat.Dense)
		row += attn.DHead

		// O = V * A^T
		dV := utils.ToDense(utils.Dot(dO, tp.A[h]))      // (dHead x T)
		dAT := utils.ToDense(utils.Dot(tp.V[h].T(), dO)) // (T x T)
		dA := dAT.T()

		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(dA, tp.A[h]) // (T x T)

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(tp.K[h], dS.T()))) // (dHead x T)
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(tp.Q[h], dS)))     // (dHead x T)

		attn.Wquery[h].AddGrad(utils.ToDense(utils.Dot(dQ, tp.X.T())))
		attn.Wkey[h].AddGrad(utils.ToDense(utils.Dot(dK, tp.X.T())))
		attn.Wvalue[h].AddGrad(utils.ToDense(utils.Dot(dV, tp.X.T())))

		dXq := utils.Dot(attn.Wquery[h].W.T(), dQ)
		dXk := utils.Dot(attn.Wkey[h].W.T(), dK)
		dXv := utils.Dot(attn.Wvalue[h].W.T(), dV)
		dXh := utils.Add(utils.Add(dXq, dXk), dXv)
		dXtotal = utils.ToDense(utils.Add(dXtotal, dXh))
	}
	return dXtotal
}
