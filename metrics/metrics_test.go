package metrics

import (
	"math"
	"testing"
)

func TestConfusionHandComputed(t *testing.T) {
	c := NewConfusion(4)
	c.Add(1, 1) // happy hit
	c.Add(1, 2) // happy missed as sad
	c.Add(2, 2) // sad hit
	c.Add(0, 1) // others missed as happy
	c.Add(3, 3) // angry hit

	if got := c.Accuracy(); math.Abs(got-0.6) > 1e-12 {
		t.Fatalf("accuracy = %g, want 0.6", got)
	}

	happy := c.Label(1) // tp 1, fp 1, fn 1
	if happy.Precision != 0.5 || happy.Recall != 0.5 || happy.F1 != 0.5 {
		t.Fatalf("happy scores = %+v, want 0.5 across", happy)
	}

	// Pooled over happy/sad/angry: tp 3, fp 2, fn 1.
	micro := c.Micro(0)
	if math.Abs(micro.Precision-0.6) > 1e-12 {
		t.Fatalf("micro precision = %g, want 0.6", micro.Precision)
	}
	if math.Abs(micro.Recall-0.75) > 1e-12 {
		t.Fatalf("micro recall = %g, want 0.75", micro.Recall)
	}
	wantF1 := 2 * 0.6 * 0.75 / (0.6 + 0.75)
	if math.Abs(micro.F1-wantF1) > 1e-12 {
		t.Fatalf("micro f1 = %g, want %g", micro.F1, wantF1)
	}
}

func TestMicroNegativeExcludePoolsEverything(t *testing.T) {
	c := NewConfusion(4)
	c.Add(0, 0)
	c.Add(0, 1)

	all := c.Micro(-1) // tp 1, fp 1, fn 1 pooled
	if all.Precision != 0.5 || all.Recall != 0.5 {
		t.Fatalf("pooled scores = %+v, want 0.5/0.5", all)
	}
	without := c.Micro(0) // only label 1's fp remains
	if without.Precision != 0 || without.Recall != 0 || without.F1 != 0 {
		t.Fatalf("excluding majority: %+v, want zeros", without)
	}
}

func TestScoresZeroDenominators(t *testing.T) {
	s := Counts{}.Scores()
	if s.Precision != 0 || s.Recall != 0 || s.F1 != 0 {
		t.Fatalf("empty counts scored %+v, want zeros", s)
	}
	if got := NewConfusion(4).Accuracy(); got != 0 {
		t.Fatalf("empty confusion accuracy = %g, want 0", got)
	}
}

func TestReportCarriesLabelNames(t *testing.T) {
	c := NewConfusion(4)
	c.Add(1, 1)
	c.Add(2, 3)

	names := []string{"others", "happy", "sad", "angry"}
	rep := c.Report(names, 0)
	if len(rep.Labels) != 4 {
		t.Fatalf("report has %d labels, want 4", len(rep.Labels))
	}
	for i, lr := range rep.Labels {
		if lr.Label != names[i] {
			t.Fatalf("label %d named %q, want %q", i, lr.Label, names[i])
		}
	}
	if rep.Labels[1].TP != 1 || rep.Labels[3].FP != 1 || rep.Labels[2].FN != 1 {
		t.Fatalf("per-label counts wrong: %+v", rep.Labels)
	}
	if rep.Micro != c.Micro(0) {
		t.Fatal("report micro differs from direct computation")
	}
	if rep.Accuracy != c.Accuracy() {
		t.Fatal("report accuracy differs from direct computation")
	}
}
