package optimizations

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes activations with probability Rate during training and
// rescales the survivors by 1/(1-Rate), so evaluation needs no rescale.
type Dropout struct {
	Rate float64
}

// Forward returns the (possibly) masked activations and the scaled
// keep-mask for backward. The mask is nil when the layer is a no-op
// (evaluation mode or zero rate), in which case the input is returned
// unchanged.
func (d Dropout) Forward(x *mat.Dense, rng *rand.Rand, training bool) (*mat.Dense, *mat.Dense) {
	if !training || d.Rate <= 0 {
		return x, nil
	}
	r, c := x.Dims()
	mask := mat.NewDense(r, c, nil)
	out := mat.NewDense(r, c, nil)
	if d.Rate >= 1 {
		return out, mask
	}
	inv := 1.0 / (1.0 - d.Rate)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rng.Float64() >= d.Rate {
				mask.Set(i, j, inv)
				out.Set(i, j, x.At(i, j)*inv)
			}
		}
	}
	return out, mask
}

// Backward routes gradients through the keep-mask recorded in Forward.
func (d Dropout) Backward(dy, mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return dy
	}
	r, c := dy.Dims()
	dx := mat.NewDense(r, c, nil)
	dx.MulElem(dy, mask)
	return dx
}
