package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes each column of a (d x T) activation matrix to
// zero mean and unit variance, then applies a learned per-feature
// scale and shift.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *Param // (d x 1), init ones
	Beta  *Param // (d x 1), init zeros
}

// LayerNormTape holds the forward intermediates one backward pass needs.
type LayerNormTape struct {
	Xhat   *mat.Dense // normalized input, (d x T)
	InvStd []float64  // per-column 1/sqrt(var+eps)
}

func NewLayerNorm(name string, d int) *LayerNorm {
	ones := make([]float64, d)
	for i := range ones {
		ones[i] = 1.0
	}
	gamma := NewParam(name+".gamma", d, 1, ones)
	gamma.NoDecay = true
	beta := NewParam(name+".beta", d, 1, nil)
	beta.NoDecay = true
	return &LayerNorm{D: d, Eps: 1e-5, Gamma: gamma, Beta: beta}
}

func (ln *LayerNorm) Params() []*Param {
	return []*Param{ln.Gamma, ln.Beta}
}

func (ln *LayerNorm) ShareWeights() *LayerNorm {
	return &LayerNorm{
		D:     ln.D,
		Eps:   ln.Eps,
		Gamma: ln.Gamma.ShareWeights(),
		Beta:  ln.Beta.ShareWeights(),
	}
}

// Forward normalizes X column-wise and returns gamma*xhat + beta with
// the tape for backward.
func (ln *LayerNorm) Forward(X *mat.Dense) (*mat.Dense, *LayerNormTape) {
	d, T := X.Dims()
	if d != ln.D {
		panic("layerNorm: feature dimension mismatch")
	}
	xhat := mat.NewDense(d, T, nil)
	out := mat.NewDense(d, T, nil)
	invStd := make([]float64, T)
	for t := 0; t < T; t++ {
		mean := 0.0
		for i := 0; i < d; i++ {
			mean += X.At(i, t)
		}
		mean /= float64(d)
		variance := 0.0
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mean
			variance += diff * diff
		}
		variance /= float64(d)
		istd := 1.0 / math.Sqrt(variance+ln.Eps)
		invStd[t] = istd
		for i := 0; i < d; i++ {
			xh := (X.At(i, t) - mean) * istd
			xhat.Set(i, t, xh)
			out.Set(i, t, ln.Gamma.W.At(i, 0)*xh+ln.Beta.W.At(i, 0))
		}
	}
	return out, &LayerNormTape{Xhat: xhat, InvStd: invStd}
}

// Backward accumulates gamma/beta gradients and returns dX.
func (ln *LayerNorm) Backward(tp *LayerNormTape, dY *mat.Dense) *mat.Dense {
	d, T := dY.Dims()
	if d != ln.D {
		panic("layerNorm: grad dimension mismatch")
	}
	dGamma := mat.NewDense(d, 1, nil)
	dBeta := mat.NewDense(d, 1, nil)
	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := ln.Gamma.W.At(i, 0) * dY.At(i, t)
			sum1 += gy
			sum2 += gy * tp.Xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := ln.Gamma.W.At(i, 0) * dY.At(i, t)
			xh := tp.Xhat.At(i, t)
			dxi := (float64(d)*gy - sum1 - xh*sum2) * (tp.InvStd[t] / float64(d))
			dX.Set(i, t, dxi)
			dGamma.Set(i, 0, dGamma.At(i, 0)+dY.At(i, t)*xh)
			dBeta.Set(i, 0, dBeta.At(i, 0)+dY.At(i, t))
		}
	}
	ln.Gamma.AddGrad(dGamma)
	ln.Beta.AddGrad(dBeta)
	return dX
}
