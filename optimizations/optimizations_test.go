package optimizations

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// ---- Adam ----

func TestAdamFirstStepBiasCorrected(t *testing.T) {
	// On step one mhat == g and vhat == g*g, so the update is
	// g/(|g|+eps) regardless of the betas.
	p := NewParam("w", 1, 1, []float64{1})
	p.G.Set(0, 0, 2)
	opt := NewAdamW(0.9, 0.999, 1e-8, 0)
	opt.Begin()
	opt.Update([]*Param{p}, 0.1)
	if got := p.W.At(0, 0); math.Abs(got-0.9) > 1e-6 {
		t.Fatalf("after first step w = %.8g, want 0.9", got)
	}
	if opt.Step != 1 {
		t.Fatalf("step counter = %d, want 1", opt.Step)
	}
}

func TestAdamWeightDecayRespectsNoDecay(t *testing.T) {
	decayed := NewParam("w", 1, 1, []float64{1})
	skipped := NewParam("b", 1, 1, []float64{1})
	skipped.NoDecay = true

	// Zero gradients isolate the decay term: w -= lr*wd*w.
	opt := NewAdamW(0.9, 0.999, 1e-8, 0.1)
	opt.Begin()
	opt.Update([]*Param{decayed, skipped}, 0.5)

	if got := decayed.W.At(0, 0); math.Abs(got-0.95) > 1e-9 {
		t.Fatalf("decayed w = %.8g, want 0.95", got)
	}
	if got := skipped.W.At(0, 0); got != 1 {
		t.Fatalf("no-decay w = %.8g, want 1", got)
	}
}

func TestAddGradAccumulates(t *testing.T) {
	p := NewParam("w", 2, 1, nil)
	p.AddGrad(mat.NewDense(2, 1, []float64{1, 2}))
	p.AddGrad(mat.NewDense(2, 1, []float64{3, 4}))
	if p.G.At(0, 0) != 4 || p.G.At(1, 0) != 6 {
		t.Fatalf("accumulated grad = [%g %g], want [4 6]", p.G.At(0, 0), p.G.At(1, 0))
	}
	p.ZeroGrad()
	if p.G.At(0, 0) != 0 || p.G.At(1, 0) != 0 {
		t.Fatal("zeroGrad left residue")
	}
}

func TestShareWeightsIsolatesGradients(t *testing.T) {
	p := NewParam("w", 2, 2, []float64{1, 2, 3, 4})
	cl := p.ShareWeights()

	cl.G.Set(0, 0, 5)
	if p.G.At(0, 0) != 0 {
		t.Fatal("clone gradient leaked into the original")
	}
	p.W.Set(0, 0, 9)
	if cl.W.At(0, 0) != 9 {
		t.Fatal("clone does not share weights")
	}
	if cl.NoDecay != p.NoDecay {
		t.Fatal("noDecay flag not carried")
	}
}

// ---- LayerNorm ----

func TestLayerNormGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	d, T := 4, 3
	ln := NewLayerNorm("ln", d)
	for i := 0; i < d; i++ {
		ln.Gamma.W.Set(i, 0, 0.5+rng.Float64())
		ln.Beta.W.Set(i, 0, rng.Float64()-0.5)
	}

	X := mat.NewDense(d, T, nil)
	C := mat.NewDense(d, T, nil) // fixed upstream weights
	for i := 0; i < d; i++ {
		for j := 0; j < T; j++ {
			X.Set(i, j, rng.NormFloat64())
			C.Set(i, j, rng.NormFloat64())
		}
	}

	loss := func() float64 {
		Y, _ := ln.Forward(X)
		s := 0.0
		for i := 0; i < d; i++ {
			for j := 0; j < T; j++ {
				s += C.At(i, j) * Y.At(i, j)
			}
		}
		return s
	}

	_, tp := ln.Forward(X)
	dX := ln.Backward(tp, C)

	eps := 1e-5
	check := func(name string, param *mat.Dense, grad *mat.Dense, i, j int) {
		w0 := param.At(i, j)
		param.Set(i, j, w0+eps)
		lp := loss()
		param.Set(i, j, w0-eps)
		lm := loss()
		param.Set(i, j, w0)
		num := (lp - lm) / (2 * eps)
		if math.Abs(num-grad.At(i, j)) > 1e-4 {
			t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
				name, i, j, num, grad.At(i, j))
		}
	}

	check("X", X, dX, 1, 2)
	check("X", X, dX, 0, 0)
	check("Gamma", ln.Gamma.W, ln.Gamma.G, 2, 0)
	check("Beta", ln.Beta.W, ln.Beta.G, 1, 0)
}

func TestLayerNormNormalizesColumns(t *testing.T) {
	ln := NewLayerNorm("ln", 3)
	X := mat.NewDense(3, 2, []float64{1, 10, 2, 20, 3, 30})
	Y, _ := ln.Forward(X)
	for j := 0; j < 2; j++ {
		mean := (Y.At(0, j) + Y.At(1, j) + Y.At(2, j)) / 3
		if math.Abs(mean) > 1e-9 {
			t.Fatalf("column %d mean = %g, want 0", j, mean)
		}
	}
}

// ---- Dropout ----

func TestDropoutEvalPassthrough(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	d := Dropout{Rate: 0.5}
	out, mask := d.Forward(x, nil, false)
	if out != x || mask != nil {
		t.Fatal("evaluation mode should return the input unchanged")
	}
	out, mask = Dropout{Rate: 0}.Forward(x, nil, true)
	if out != x || mask != nil {
		t.Fatal("zero rate should return the input unchanged")
	}
}

func TestDropoutMaskScaling(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	x := mat.NewDense(8, 8, nil)
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			x.Set(i, j, 1)
		}
	}
	d := Dropout{Rate: 0.5}
	out, mask := d.Forward(x, rng, true)
	if mask == nil {
		t.Fatal("training mode must return a mask")
	}

	kept, dropped := 0, 0
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			switch out.At(i, j) {
			case 0:
				dropped++
				if mask.At(i, j) != 0 {
					t.Fatalf("dropped cell [%d,%d] has mask %g", i, j, mask.At(i, j))
				}
			case 2:
				kept++
				if mask.At(i, j) != 2 {
					t.Fatalf("kept cell [%d,%d] has mask %g", i, j, mask.At(i, j))
				}
			default:
				t.Fatalf("cell [%d,%d] = %g, want 0 or 2", i, j, out.At(i, j))
			}
		}
	}
	if kept == 0 || dropped == 0 {
		t.Fatalf("degenerate mask: %d kept, %d dropped", kept, dropped)
	}

	dy := mat.NewDense(8, 8, nil)
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			dy.Set(i, j, 3)
		}
	}
	dx := d.Backward(dy, mask)
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			want := 0.0
			if mask.At(i, j) != 0 {
				want = 6
			}
			if dx.At(i, j) != want {
				t.Fatalf("backward [%d,%d] = %g, want %g", i, j, dx.At(i, j), want)
			}
		}
	}
}

// ---- Schedule ----

func TestScheduleWarmupAndCosine(t *testing.T) {
	s := Schedule{WarmupSteps: 10, DecaySteps: 100}
	peak := 2.0

	if got := s.At(0, peak); got != 0 {
		t.Fatalf("At(0) = %g, want 0", got)
	}
	if got := s.At(5, peak); math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("At(5) = %g, want 1 (half warmup)", got)
	}
	if got := s.At(10, peak); math.Abs(got-peak) > 1e-12 {
		t.Fatalf("At(10) = %g, want peak", got)
	}
	if got := s.At(60, peak); math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("At(60) = %g, want 1 (half decay)", got)
	}
	if got := s.At(110, peak); math.Abs(got) > 1e-12 {
		t.Fatalf("At(110) = %g, want 0", got)
	}
	if got := s.At(500, peak); math.Abs(got) > 1e-12 {
		t.Fatalf("At(500) = %g, want 0 after decay", got)
	}

	flat := Schedule{WarmupSteps: 10}
	if got := flat.At(1000, peak); got != peak {
		t.Fatalf("no decay: At(1000) = %g, want peak", got)
	}
}
