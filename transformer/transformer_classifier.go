package transformer

import (
	"math/rand"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/PhilippMaxx/emotion-transformer/optimizations"
	"github.com/PhilippMaxx/emotion-transformer/utils"
)

// Classifier maps the three turn vectors of a conversation to emotion
// logits. Each turn vector goes through a shared projection with GELU,
// the projections are stacked, and an MLP with dropout scores the
// result.
type Classifier struct {
	DModel int
	Proj   int
	Out    int

	Drop optimizations.Dropout

	WProj, BProj *optimizations.Param // shared across turns, (proj x dModel)
	Hidden       []*DenseLayer        // first (proj x 3proj), rest (proj x proj)
	WOut, BOut   *optimizations.Param // (out x lastWidth)
}

type DenseLayer struct {
	W, B *optimizations.Param
}

// ClassifierTape records one conversation's head forward pass.
type ClassifierTape struct {
	In      [3]*mat.Dense // turn vectors as consumed, (dModel x 1)
	ProjPre [3]*mat.Dense // shared projection pre-activations, (proj x 1)
	MaskZ   *mat.Dense    // dropout mask on the stacked projections
	HIn     []*mat.Dense  // input to each hidden layer
	HPre    []*mat.Dense  // hidden pre-activations
	Masks   []*mat.Dense  // dropout masks after each hidden activation
	HLast   *mat.Dense    // input to the output layer
}

func CreateClassifier(dModel, proj, hiddenLayers, out int, dropout float64, rng *rand.Rand) *Classifier {
	cls := &Classifier{
		DModel: dModel,
		Proj:   proj,
		Out:    out,
		Drop:   optimizations.Dropout{Rate: dropout},
		WProj: optimizations.NewParam("cls.wproj", proj, dModel,
			utils.RandomArray(rng, proj*dModel, float64(dModel))),
		BProj:  optimizations.NewParam("cls.bproj", proj, 1, nil),
		Hidden: make([]*DenseLayer, hiddenLayers),
	}
	cls.BProj.NoDecay = true

	width := 3 * proj
	for l := 0; l < hiddenLayers; l++ {
		name := "cls.hidden" + strconv.Itoa(l)
		layer := &DenseLayer{
			W: optimizations.NewParam(name+".w", proj, width,
				utils.RandomArray(rng, proj*width, float64(width))),
			B: optimizations.NewParam(name+".b", proj, 1, nil),
		}
		layer.B.NoDecay = true
		cls.Hidden[l] = layer
		width = proj
	}

	cls.WOut = optimizations.NewParam("cls.wout", out, width,
		utils.RandomArray(rng, out*width, float64(width)))
	cls.BOut = optimizations.NewParam("cls.bout", out, 1, nil)
	cls.BOut.NoDecay = true
	return cls
}

func (cls *Classifier) Params() []*optimizations.Param {
	out := []*optimizations.Param{cls.WProj, cls.BProj}
	for _, l := range cls.Hidden {
		out = append(out, l.W, l.B)
	}
	return append(out, cls.WOut, cls.BOut)
}

func (cls *Classifier) ShareClone() *Classifier {
	cl := &Classifier{
		DModel: cls.DModel,
		Proj:   cls.Proj,
		Out:    cls.Out,
		Drop:   cls.Drop,
		WProj:  cls.WProj.ShareWeights(),
		BProj:  cls.BProj.ShareWeights(),
		Hidden: make([]*DenseLayer, len(cls.Hidden)),
		WOut:   cls.WOut.ShareWeights(),
		BOut:   cls.BOut.ShareWeights(),
	}
	for i, l := range cls.Hidden {
		cl.Hidden[i] = &DenseLayer{W: l.W.ShareWeights(), B: l.B.ShareWeights()}
	}
	return cl
}

// Forward scores one conversation. vecs holds the three turn vectors;
// a nil entry (empty turn) contributes a zero vector. rng drives the
// dropout masks and may be nil when training is false.
func (cls *Classifier) Forward(vecs [3]*mat.Dense, rng *rand.Rand, training bool) (*mat.Dense, *ClassifierTape) {
	tp := &ClassifierTape{}

	z := mat.NewDense(3*cls.Proj, 1, nil)
	for i := 0; i < 3; i++ {
		v := vecs[i]
		if v == nil {
			v = mat.NewDense(cls.DModel, 1, nil)
		}
		tp.In[i] = v
		pre := utils.AddBias(utils.ToDense(utils.Dot(cls.WProj.W, v)), cls.BProj.W)
		tp.ProjPre[i] = pre
		act := utils.ToDense(utils.Apply(utils.GeluApply, pre))
		dst := z.Slice(i*cls.Proj, (i+1)*cls.Proj, 0, 1).(*mat.Dense)
		dst.Copy(act)
	}

	h, maskZ := cls.Drop.Forward(z, rng, training)
	tp.MaskZ = maskZ

	tp.HIn = make([]*mat.Dense, len(cls.Hidden))
	tp.HPre = make([]*mat.Dense, len(cls.Hidden))
	tp.Masks = make([]*mat.Dense, len(cls.Hidden))
	for l, layer := range cls.Hidden {
		tp.HIn[l] = h
		pre := utils.AddBias(utils.ToDense(utils.Dot(layer.W.W, h)), layer.B.W)
		tp.HPre[l] = pre
		act := utils.ToDense(utils.Apply(utils.GeluApply, pre))
		h, tp.Masks[l] = cls.Drop.Forward(act, rng, training)
	}
	tp.HLast = h

	logits := utils.AddBias(utils.ToDense(utils.Dot(cls.WOut.W, h)), cls.BOut.W)
	return logits, tp
}

// Backward accumulates head gradients and returns the gradients with
// respect to the three turn vectors.
func (cls *Classifier) Backward(tp *ClassifierTape, dLogits *mat.Dense) [3]*mat.Dense {
	cls.WOut.AddGrad(utils.ToDense(utils.Dot(dLogits, tp.HLast.T())))
	cls.BOut.AddGrad(dLogits)
	dh := utils.ToDense(utils.Dot(cls.WOut.W.T(), dLogits))

	for l := len(cls.Hidden) - 1; l >= 0; l-- {
		layer := cls.Hidden[l]
		dAct := cls.Drop.Backward(dh, tp.Masks[l])
		dPre := utils.ToDense(utils.Multiply(dAct, utils.GeluPrime(tp.HPre[l])))
		layer.W.AddGrad(utils.ToDense(utils.Dot(dPre, tp.HIn[l].T())))
		layer.B.AddGrad(dPre)
		dh = utils.ToDense(utils.Dot(layer.W.W.T(), dPre))
	}

	dz := cls.Drop.Backward(dh, tp.MaskZ) // (3proj x 1)

	var dVecs [3]*mat.Dense
	for i := 0; i < 3; i++ {
		dzi := utils.ToDense(dz.Slice(i*cls.Proj, (i+1)*cls.Proj, 0, 1))
		dPre := utils.ToDense(utils.Multiply(dzi, utils.GeluPrime(tp.ProjPre[i])))
		cls.WProj.AddGrad(utils.ToDense(utils.Dot(dPre, tp.In[i].T())))
		cls.BProj.AddGrad(dPre)
		dVecs[i] = utils.ToDense(utils.Dot(cls.WProj.W.T(), dPre))
	}
	return dVecs
}
