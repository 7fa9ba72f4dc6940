// Package metrics scores multi-class predictions with per-label and
// pooled precision/recall/F1.
package metrics

// Counts are the raw per-label tallies scores derive from.
type Counts struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
}

type Scores struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Scores derives precision/recall/F1, treating empty denominators as
// zero rather than NaN.
func (c Counts) Scores() Scores {
	var p, r float64
	if c.TP+c.FP > 0 {
		p = float64(c.TP) / float64(c.TP+c.FP)
	}
	if c.TP+c.FN > 0 {
		r = float64(c.TP) / float64(c.TP+c.FN)
	}
	var f1 float64
	if p+r > 0 {
		f1 = 2 * p * r / (p + r)
	}
	return Scores{Precision: p, Recall: r, F1: f1}
}

// Confusion accumulates gold/predicted label pairs.
type Confusion struct {
	Counts  []Counts
	Total   int
	Correct int
}

func NewConfusion(numLabels int) *Confusion {
	return &Confusion{Counts: make([]Counts, numLabels)}
}

func (c *Confusion) Add(gold, pred int) {
	if gold < 0 || gold >= len(c.Counts) || pred < 0 || pred >= len(c.Counts) {
		panic("confusion: label index out of range")
	}
	c.Total++
	if gold == pred {
		c.Counts[gold].TP++
		c.Correct++
		return
	}
	c.Counts[pred].FP++
	c.Counts[gold].FN++
}

func (c *Confusion) Accuracy() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Correct) / float64(c.Total)
}

// Label returns the scores of one label.
func (c *Confusion) Label(i int) Scores {
	return c.Counts[i].Scores()
}

// Micro pools tp/fp/fn across all labels except exclude and scores the
// pooled counts. Pass a negative exclude to pool everything.
func (c *Confusion) Micro(exclude int) Scores {
	var pooled Counts
	for i, cnt := range c.Counts {
		if i == exclude {
			continue
		}
		pooled.TP += cnt.TP
		pooled.FP += cnt.FP
		pooled.FN += cnt.FN
	}
	return pooled.Scores()
}

// LabelReport is one label's row in a serialized evaluation report.
type LabelReport struct {
	Label string `json:"label"`
	Counts
	Scores
}

// Report is the JSON shape written next to a trained model.
type Report struct {
	Accuracy float64       `json:"accuracy"`
	Micro    Scores        `json:"micro"`
	Labels   []LabelReport `json:"labels"`
}

// Report assembles the serializable summary. names supplies the label
// strings in index order; exclude is skipped by the micro average.
func (c *Confusion) Report(names []string, exclude int) Report {
	rep := Report{
		Accuracy: c.Accuracy(),
		Micro:    c.Micro(exclude),
		Labels:   make([]LabelReport, len(c.Counts)),
	}
	for i := range c.Counts {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		rep.Labels[i] = LabelReport{
			Label:  name,
			Counts: c.Counts[i],
			Scores: c.Counts[i].Scores(),
		}
	}
	return rep
}
