package IO

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/PhilippMaxx/emotion-transformer/params"
)

// Example is one conversation record: three turns and the gold label
// of the last turn. Label is -1 for unlabeled records.
type Example struct {
	ID    string
	Turn1 string
	Turn2 string
	Turn3 string
	Label int
}

func (e Example) Turns() [3]string {
	return [3]string{e.Turn1, e.Turn2, e.Turn3}
}

// LoadExamples reads a tab-separated conversation file: id, three
// turns, and optionally the label of the last turn. A header line
// starting with "id\t" is skipped.
func LoadExamples(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if lineNum == 1 && strings.HasPrefix(strings.ToLower(line), "id\t") {
			continue
		}
		fields := strings.Split(line, "\t")
		ex := Example{Label: -1}
		switch len(fields) {
		case 5:
			idx, ok := params.LabelIndex(strings.TrimSpace(fields[4]))
			if !ok {
				return nil, fmt.Errorf("%s:%d: unknown label %q", path, lineNum, fields[4])
			}
			ex.Label = idx
			fallthrough
		case 4:
			ex.ID = fields[0]
			ex.Turn1, ex.Turn2, ex.Turn3 = fields[1], fields[2], fields[3]
		default:
			return nil, fmt.Errorf("%s:%d: expected 4 or 5 tab-separated fields, got %d",
				path, lineNum, len(fields))
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// RequireLabels errors if any example lacks a gold label.
func RequireLabels(examples []Example, path string) error {
	for i, ex := range examples {
		if ex.Label < 0 {
			return fmt.Errorf("%s: record %d (%s) has no label", path, i+1, ex.ID)
		}
	}
	return nil
}

// Encoded is one example after tokenization.
type Encoded struct {
	Ids   [3][]int
	Label int
}

// EncodeExamples tokenizes every turn, truncating each to maxLen ids.
func EncodeExamples(tok *Tokenizer, examples []Example, maxLen int) ([]Encoded, error) {
	out := make([]Encoded, len(examples))
	for i, ex := range examples {
		turns := ex.Turns()
		for j := 0; j < 3; j++ {
			ids, err := tok.Encode(turns[j], maxLen)
			if err != nil {
				return nil, fmt.Errorf("encode record %s turn %d: %w", ex.ID, j+1, err)
			}
			out[i].Ids[j] = ids
		}
		out[i].Label = ex.Label
	}
	return out, nil
}

// Batches splits [0,n) into shuffled index batches of size batchSize.
func Batches(n, batchSize int, rng *rand.Rand) [][]int {
	idx := rng.Perm(n)
	var out [][]int
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		out = append(out, idx[start:end])
	}
	return out
}

// WriteCorpus writes every non-empty turn as one plain-text line, the
// input format the BPE trainer consumes.
func WriteCorpus(examples []Example, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, ex := range examples {
		for _, turn := range ex.Turns() {
			turn = strings.TrimSpace(turn)
			if turn == "" {
				continue
			}
			if _, err := w.WriteString(turn + "\n"); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
