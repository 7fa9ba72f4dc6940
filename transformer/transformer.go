package transformer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/PhilippMaxx/emotion-transformer/optimizations"
	"github.com/PhilippMaxx/emotion-transformer/params"
)

// Gob snapshot layout. Matrices are stored flat with their dims; the
// precision setting picks float64 or float32 storage. Adam moments ride
// along so a checkpoint can resume training.

const checkpointVersion = 1

type matData struct {
	R, C int
	F64  []float64
	F32  []float32
}

type paramData struct {
	W, M, V matData
}

type headData struct {
	Wq, Wk, Wv paramData
}

type blockData struct {
	Heads []headData
	Wo    paramData

	HiddenW, HiddenB paramData
	OutputW, OutputB paramData

	Ln1Gamma, Ln1Beta paramData
	Ln2Gamma, Ln2Beta paramData
}

type encoderData struct {
	DModel, Hidden, NumHeads int
	Layers                   int
	VocabSize, MaxSeqLen     int

	Emb, Pos paramData
	Blocks   []blockData
}

type denseData struct {
	W, B paramData
}

type classifierData struct {
	DModel, Proj, Out int
	DropoutRate       float64

	WProj, BProj paramData
	Hidden       []denseData
	WOut, BOut   paramData
}

// CheckpointMeta is the training state carried next to the weights.
type CheckpointMeta struct {
	Step      int
	Epoch     int
	BestValF1 float64
}

type checkpointData struct {
	Kind      string // "encoder" or "model"
	Version   int
	Precision int
	Labels    []string
	Meta      CheckpointMeta

	Encoder    encoderData
	Classifier classifierData
}

func packMat(m *mat.Dense, precision int) matData {
	if m == nil {
		return matData{}
	}
	r, c := m.Dims()
	raw := mat.DenseCopyOf(m).RawMatrix()
	d := matData{R: r, C: c}
	if precision == 32 {
		d.F32 = make([]float32, len(raw.Data))
		for i, v := range raw.Data {
			d.F32[i] = float32(v)
		}
		return d
	}
	d.F64 = append([]float64(nil), raw.Data...)
	return d
}

func unpackMat(d matData) *mat.Dense {
	if d.R == 0 || d.C == 0 {
		return nil
	}
	data := make([]float64, d.R*d.C)
	switch {
	case d.F64 != nil:
		copy(data, d.F64)
	case d.F32 != nil:
		for i, v := range d.F32 {
			data[i] = float64(v)
		}
	}
	return mat.NewDense(d.R, d.C, data)
}

func packParam(p *optimizations.Param, precision int) paramData {
	return paramData{
		W: packMat(p.W, precision),
		M: packMat(p.M, precision),
		V: packMat(p.V, precision),
	}
}

func applyParam(p *optimizations.Param, d paramData) error {
	pr, pc := p.W.Dims()
	if d.W.R != pr || d.W.C != pc {
		return fmt.Errorf("%s: stored shape (%d x %d) does not match model (%d x %d)",
			p.Name, d.W.R, d.W.C, pr, pc)
	}
	p.W.Copy(unpackMat(d.W))
	if m := unpackMat(d.M); m != nil {
		if mr, mc := m.Dims(); mr == pr && mc == pc {
			p.M.Copy(m)
		}
	}
	if v := unpackMat(d.V); v != nil {
		if vr, vc := v.Dims(); vr == pr && vc == pc {
			p.V.Copy(v)
		}
	}
	return nil
}

func packEncoder(e *Encoder, precision int) encoderData {
	data := encoderData{
		DModel:    e.DModel,
		Hidden:    e.Hidden,
		NumHeads:  e.NumHeads,
		Layers:    len(e.Blocks),
		VocabSize: e.VocabSize,
		MaxSeqLen: e.MaxSeqLen,
		Emb:       packParam(e.Emb, precision),
		Pos:       packParam(e.Pos, precision),
		Blocks:    make([]blockData, len(e.Blocks)),
	}
	for i, b := range e.Blocks {
		bd := blockData{
			Heads:    make([]headData, b.Attn.H),
			Wo:       packParam(b.Attn.Woutput, precision),
			HiddenW:  packParam(b.Mlp.HiddenWeights, precision),
			HiddenB:  packParam(b.Mlp.HiddenBias, precision),
			OutputW:  packParam(b.Mlp.OutputWeights, precision),
			OutputB:  packParam(b.Mlp.OutputBias, precision),
			Ln1Gamma: packParam(b.Ln1.Gamma, precision),
			Ln1Beta:  packParam(b.Ln1.Beta, precision),
			Ln2Gamma: packParam(b.Ln2.Gamma, precision),
			Ln2Beta:  packParam(b.Ln2.Beta, precision),
		}
		for h := 0; h < b.Attn.H; h++ {
			bd.Heads[h] = headData{
				Wq: packParam(b.Attn.Wquery[h], precision),
				Wk: packParam(b.Attn.Wkey[h], precision),
				Wv: packParam(b.Attn.Wvalue[h], precision),
			}
		}
		data.Blocks[i] = bd
	}
	return data
}

func buildEncoder(d encoderData) (*Encoder, error) {
	if d.DModel <= 0 || d.Layers <= 0 || d.VocabSize <= 0 || d.MaxSeqLen <= 0 {
		return nil, fmt.Errorf("encoder snapshot has invalid dimensions")
	}
	cfg := params.Config{
		DModel:        d.DModel,
		HiddenSize:    d.Hidden,
		NumHeads:      d.NumHeads,
		EncoderLayers: d.Layers,
		VocabSize:     d.VocabSize,
		MaxSeqLen:     d.MaxSeqLen,
	}
	enc := CreateEncoder(cfg, rand.New(rand.NewSource(0)))
	if err := applyParam(enc.Emb, d.Emb); err != nil {
		return nil, err
	}
	if err := applyParam(enc.Pos, d.Pos); err != nil {
		return nil, err
	}
	if len(d.Blocks) != len(enc.Blocks) {
		return nil, fmt.Errorf("encoder snapshot has %d blocks, expected %d", len(d.Blocks), len(enc.Blocks))
	}
	for i, bd := range d.Blocks {
		b := enc.Blocks[i]
		if len(bd.Heads) != b.Attn.H {
			return nil, fmt.Errorf("block %d snapshot has %d heads, expected %d", i, len(bd.Heads), b.Attn.H)
		}
		for h, hd := range bd.Heads {
			if err := applyParam(b.Attn.Wquery[h], hd.Wq); err != nil {
				return nil, err
			}
			if err := applyParam(b.Attn.Wkey[h], hd.Wk); err != nil {
				return nil, err
			}
			if err := applyParam(b.Attn.Wvalue[h], hd.Wv); err != nil {
				return nil, err
			}
		}
		steps := []struct {
			p *optimizations.Param
			d paramData
		}{
			{b.Attn.Woutput, bd.Wo},
			{b.Mlp.HiddenWeights, bd.HiddenW},
			{b.Mlp.HiddenBias, bd.HiddenB},
			{b.Mlp.OutputWeights, bd.OutputW},
			{b.Mlp.OutputBias, bd.OutputB},
			{b.Ln1.Gamma, bd.Ln1Gamma},
			{b.Ln1.Beta, bd.Ln1Beta},
			{b.Ln2.Gamma, bd.Ln2Gamma},
			{b.Ln2.Beta, bd.Ln2Beta},
		}
		for _, s := range steps {
			if err := applyParam(s.p, s.d); err != nil {
				return nil, err
			}
		}
	}
	return enc, nil
}

func packClassifier(c *Classifier, precision int) classifierData {
	data := classifierData{
		DModel:      c.DModel,
		Proj:        c.Proj,
		Out:         c.Out,
		DropoutRate: c.Drop.Rate,
		WProj:       packParam(c.WProj, precision),
		BProj:       packParam(c.BProj, precision),
		Hidden:      make([]denseData, len(c.Hidden)),
		WOut:        packParam(c.WOut, precision),
		BOut:        packParam(c.BOut, precision),
	}
	for i, l := range c.Hidden {
		data.Hidden[i] = denseData{W: packParam(l.W, precision), B: packParam(l.B, precision)}
	}
	return data
}

func buildClassifier(d classifierData) (*Classifier, error) {
	if d.DModel <= 0 || d.Proj <= 0 || d.Out <= 0 {
		return nil, fmt.Errorf("classifier snapshot has invalid dimensions")
	}
	cls := CreateClassifier(d.DModel, d.Proj, len(d.Hidden), d.Out, d.DropoutRate,
		rand.New(rand.NewSource(0)))
	if err := applyParam(cls.WProj, d.WProj); err != nil {
		return nil, err
	}
	if err := applyParam(cls.BProj, d.BProj); err != nil {
		return nil, err
	}
	for i, ld := range d.Hidden {
		if err := applyParam(cls.Hidden[i].W, ld.W); err != nil {
			return nil, err
		}
		if err := applyParam(cls.Hidden[i].B, ld.B); err != nil {
			return nil, err
		}
	}
	if err := applyParam(cls.WOut, d.WOut); err != nil {
		return nil, err
	}
	return cls, applyParam(cls.BOut, d.BOut)
}

func writeGob(path string, data checkpointData) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readGob(path string) (checkpointData, error) {
	var data checkpointData
	f, err := os.Open(path)
	if err != nil {
		return data, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return data, fmt.Errorf("decode %s: %w", path, err)
	}
	if data.Version != checkpointVersion {
		return data, fmt.Errorf("%s: unsupported snapshot version %d", path, data.Version)
	}
	return data, nil
}

// SaveEncoder persists the encoder weights alone, the format a
// pretrained sentence encoder ships in.
func SaveEncoder(e *Encoder, path string, precision int) error {
	return writeGob(path, checkpointData{
		Kind:      "encoder",
		Version:   checkpointVersion,
		Precision: precision,
		Labels:    params.Labels,
		Encoder:   packEncoder(e, precision),
	})
}

// LoadEncoder reads an encoder snapshot. Full model checkpoints are
// accepted too; their classifier half is ignored.
func LoadEncoder(path string) (*Encoder, error) {
	data, err := readGob(path)
	if err != nil {
		return nil, err
	}
	if data.Kind != "encoder" && data.Kind != "model" {
		return nil, fmt.Errorf("%s: not an encoder snapshot", path)
	}
	return buildEncoder(data.Encoder)
}

// SaveCheckpoint persists the full model with its training state.
func SaveCheckpoint(m *Model, meta CheckpointMeta, path string, precision int) error {
	return writeGob(path, checkpointData{
		Kind:       "model",
		Version:    checkpointVersion,
		Precision:  precision,
		Labels:     params.Labels,
		Meta:       meta,
		Encoder:    packEncoder(m.Enc, precision),
		Classifier: packClassifier(m.Cls, precision),
	})
}

// LoadCheckpoint restores a full model checkpoint.
func LoadCheckpoint(path string) (*Model, CheckpointMeta, error) {
	data, err := readGob(path)
	if err != nil {
		return nil, CheckpointMeta{}, err
	}
	if data.Kind != "model" {
		return nil, CheckpointMeta{}, fmt.Errorf("%s: not a model checkpoint", path)
	}
	enc, err := buildEncoder(data.Encoder)
	if err != nil {
		return nil, CheckpointMeta{}, err
	}
	cls, err := buildClassifier(data.Classifier)
	if err != nil {
		return nil, CheckpointMeta{}, err
	}
	return &Model{Enc: enc, Cls: cls}, data.Meta, nil
}
