package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Param is one trainable weight matrix with its gradient accumulator
// and Adam moments. Modules accumulate into G during backward; the
// optimizer consumes G and writes W/M/V.
type Param struct {
	Name    string
	W       *mat.Dense
	G       *mat.Dense
	M, V    *mat.Dense
	NoDecay bool // biases, norm scales and embeddings skip weight decay
}

// NewParam allocates a parameter of shape (r x c). data may be nil for
// a zero-initialized parameter.
func NewParam(name string, r, c int, data []float64) *Param {
	return &Param{
		Name: name,
		W:    mat.NewDense(r, c, data),
		G:    mat.NewDense(r, c, nil),
		M:    mat.NewDense(r, c, nil),
		V:    mat.NewDense(r, c, nil),
	}
}

func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// AddGrad accumulates g into the parameter's gradient buffer.
func (p *Param) AddGrad(g *mat.Dense) {
	pr, pc := p.W.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("addGrad: shape mismatch for " + p.Name)
	}
	p.G.Add(p.G, g)
}

// ShareWeights returns a view of p that shares W (read-only use) but
// owns a fresh gradient buffer. Worker replicas accumulate into their
// own G and are merged before the optimizer step.
func (p *Param) ShareWeights() *Param {
	r, c := p.W.Dims()
	return &Param{
		Name:    p.Name,
		W:       p.W,
		G:       mat.NewDense(r, c, nil),
		NoDecay: p.NoDecay,
	}
}

// AdamUpdateInPlace applies one AdamW step to p:
// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction.
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			wdTerm := weightDecay * p.At(i, j)
			update := mhat/denom + wdTerm
			pij := p.At(i, j) - lr*update
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, pij)
		}
	}
}

// AdamW steps parameter groups with shared moments bookkeeping. Begin
// once per optimizer step, then Update each group with its scheduled
// learning rate.
type AdamW struct {
	Beta1, Beta2, Eps float64
	WeightDecay       float64
	Step              int
}

func NewAdamW(beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{Beta1: beta1, Beta2: beta2, Eps: eps, WeightDecay: weightDecay}
}

func (o *AdamW) Begin() {
	o.Step++
}

func (o *AdamW) Update(group []*Param, lr float64) {
	for _, p := range group {
		wd := o.WeightDecay
		if p.NoDecay {
			wd = 0
		}
		AdamUpdateInPlace(p.W, p.G, p.M, p.V, o.Step, lr, o.Beta1, o.Beta2, o.Eps, wd)
	}
}

// ZeroGrads clears the gradient buffers of all given params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
