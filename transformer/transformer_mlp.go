package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/PhilippMaxx/emotion-transformer/optimizations"
	"github.com/PhilippMaxx/emotion-transformer/utils"
)

// MLP is the position-wise feed-forward half of an encoder block:
// a GELU hidden layer followed by a linear projection back to dModel.
type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *optimizations.Param
	OutputWeights, OutputBias *optimizations.Param
}

type MLPTape struct {
	X            *mat.Dense // (in x T)
	HiddenPreAct *mat.Dense // (h x T), before GELU
	HiddenOut    *mat.Dense // (h x T), after GELU
}

func (mlp *MLP) Params() []*optimizations.Param {
	return []*optimizations.Param{
		mlp.HiddenWeights, mlp.HiddenBias,
		mlp.OutputWeights, mlp.OutputBias,
	}
}

func (mlp *MLP) ShareClone() *MLP {
	return &MLP{
		Inputs:        mlp.Inputs,
		Hiddens:       mlp.Hiddens,
		Outputs:       mlp.Outputs,
		HiddenWeights: mlp.HiddenWeights.ShareWeights(),
		HiddenBias:    mlp.HiddenBias.ShareWeights(),
		OutputWeights: mlp.OutputWeights.ShareWeights(),
		OutputBias:    mlp.OutputBias.ShareWeights(),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) (*mat.Dense, *MLPTape) {
	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights.W, X)) // (h x T)
	hiddenPre := utils.AddBias(hiddenLin, mlp.HiddenBias.W)
	hiddenOut := utils.ToDense(utils.Apply(utils.GeluApply, hiddenPre))
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights.W, hiddenOut)) // (d x T)
	Y := utils.AddBias(finalLin, mlp.OutputBias.W)
	return Y, &MLPTape{X: X, HiddenPreAct: hiddenPre, HiddenOut: hiddenOut}
}

// Backward accumulates weight gradients into the params and returns dX.
func (mlp *MLP) Backward(tp *MLPTape, grad *mat.Dense) *mat.Dense {
	_, T := grad.Dims()

	mlp.OutputWeights.AddGrad(utils.ToDense(utils.Dot(grad, tp.HiddenOut.T())))
	// sum gradients over time for biases
	dbOut := mat.NewDense(mlp.Outputs, 1, nil)
	for i := 0; i < mlp.Outputs; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += grad.At(i, t)
		}
		dbOut.Set(i, 0, s)
	}
	mlp.OutputBias.AddGrad(dbOut)

	hiddenGradOut := utils.ToDense(utils.Dot(mlp.OutputWeights.W.T(), grad))
	hiddenErrors := utils.ToDense(utils.Multiply(hiddenGradOut, utils.GeluPrime(tp.HiddenPreAct)))

	mlp.HiddenWeights.AddGrad(utils.ToDense(utils.Dot(hiddenErrors, tp.X.T())))
	dbHidden := mat.NewDense(mlp.Hiddens, 1, nil)
	for i := 0; i < mlp.Hiddens; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += hiddenErrors.At(i, t)
		}
		dbHidden.Set(i, 0, s)
	}
	mlp.HiddenBias.AddGrad(dbHidden)

	return utils.ToDense(utils.Dot(mlp.HiddenWeights.W.T(), hiddenErrors))
}
