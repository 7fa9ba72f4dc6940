package IO

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/models"
	"github.com/sugarme/tokenizer/normalizers"
	"github.com/sugarme/tokenizer/pretokenizers"
	"github.com/sugarme/tokenizer/processors"
	"github.com/sugarme/tokenizer/trainers"
)

// Tokenizer wraps a trained BPE tokenizer.
type Tokenizer struct {
	t *tk.Tokenizer
}

// LoadTokenizer reads a previously trained tokenizer file.
func LoadTokenizer(tokPath string) (*Tokenizer, error) {
	t, err := tk.FromFile(tokPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", tokPath, err)
	}
	return &Tokenizer{t: t}, nil
}

// TrainOrLoadBPE loads tokPath if it exists, otherwise trains a BPE
// tokenizer on corpusPath and saves it there.
func TrainOrLoadBPE(corpusPath, tokPath string, vocabSize int) (*Tokenizer, error) {
	if fileExists(tokPath) {
		return LoadTokenizer(tokPath)
	}

	bpe := models.NewBPE()
	t := tk.NewTokenizer(bpe)

	// Normalize to NFKC lower for English
	t.WithNormalizer(normalizers.NewSequence(
		normalizers.NewNFKC(),
		normalizers.NewLowercase(),
	))
	t.WithPreTokenizer(pretokenizers.NewWhitespaceSplit())

	// Mark utterance boundaries via template processor
	proc := processors.NewTemplateProcessing(
		"<bos> $A <eos>",
		"$A",
		map[string]int{
			"<bos>": 1,
			"<eos>": 2,
		},
	)
	t.WithPostProcessor(proc)

	tr := trainers.NewBpeTrainer()
	tr.VocabSize = vocabSize
	tr.SpecialTokens = []string{"<pad>", "<bos>", "<eos>", "<unk>"}

	if err := t.Train(tr, []string{corpusPath}); err != nil {
		return nil, fmt.Errorf("train tokenizer on %s: %w", corpusPath, err)
	}
	if dir := filepath.Dir(tokPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := t.Save(tokPath); err != nil {
		return nil, fmt.Errorf("save tokenizer %s: %w", tokPath, err)
	}
	return &Tokenizer{t: t}, nil
}

// Encode turns raw text into token ids, truncated to maxLen. Blank
// text encodes to an empty sequence.
func (tok *Tokenizer) Encode(text string, maxLen int) ([]int, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	enc, err := tok.t.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	ids := enc.Ids
	if maxLen > 0 && len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	out := make([]int, len(ids))
	for i, v := range ids {
		out[i] = int(v)
	}
	return out, nil
}

// VocabSize reports the trained vocabulary size including specials.
func (tok *Tokenizer) VocabSize() int {
	return len(tok.t.GetVocab(true))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
