// Package metrics scores emotion predictions. The others class is the
// negative class: true positives are correct predictions of any other class.
package metrics

import (
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NumClasses is the size of the confusion matrix.
const NumClasses = 4

// Confusion counts examples by true (row) and predicted (column) class.
type Confusion [NumClasses][NumClasses]int

// Add counts one example.
func (c *Confusion) Add(label, pred int) {
	c[label][pred]++
}

// Counts derives tp, fp and fn over the non-others classes: tp is the
// diagonal past class 0, fp the predictions of classes 1.. minus tp, fn the
// examples of classes 1.. minus tp.
func (c *Confusion) Counts() (tp, fp, fn int) {
	predicted, actual := 0, 0
	for i := 0; i < NumClasses; i++ {
		for j := 1; j < NumClasses; j++ {
			predicted += c[i][j]
		}
	}
	for i := 1; i < NumClasses; i++ {
		tp += c[i][i]
		for j := 0; j < NumClasses; j++ {
			actual += c[i][j]
		}
	}
	return tp, predicted - tp, actual - tp
}

// BatchScores are the scores of one evaluation batch.
type BatchScores struct {
	Loss      float64
	Acc       float64
	TP        int
	FP        int
	FN        int
	Confusion Confusion
}

// Batch scores logits against labels.
func Batch(loss float64, logits *mat.Dense, labels []int) BatchScores {
	s := BatchScores{Loss: loss}
	correct := 0
	for i, label := range labels {
		pred := floats.MaxIdx(logits.RawRowView(i))
		if pred == label {
			correct++
		}
		s.Confusion.Add(label, pred)
	}
	if len(labels) > 0 {
		s.Acc = float64(correct) / float64(len(labels))
	}
	s.TP, s.FP, s.FN = s.Confusion.Counts()
	return s
}

// PRF holds precision, recall and F1.
type PRF struct {
	Precision float64
	Recall    float64
	F1        float64
}

// F1Score derives precision, recall and F1. A zero denominator yields 0
// for that value instead of NaN.
func F1Score(tp, fp, fn int) PRF {
	var r PRF
	if tp+fp > 0 {
		r.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		r.Recall = float64(tp) / float64(tp+fn)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	return r
}

// Scores are the aggregated scores of an evaluation pass.
type Scores struct {
	Loss float64
	Acc  float64
	TP   int
	FP   int
	FN   int
	PRF
}

// Aggregate averages loss and accuracy over batches, sums the counts and
// derives precision, recall and F1 once from the sums.
func Aggregate(batches []BatchScores) Scores {
	var s Scores
	if len(batches) == 0 {
		return s
	}
	losses := make([]float64, len(batches))
	accs := make([]float64, len(batches))
	for i, b := range batches {
		losses[i] = b.Loss
		accs[i] = b.Acc
		s.TP += b.TP
		s.FP += b.FP
		s.FN += b.FN
	}
	// only empty input makes Mean fail
	s.Loss, _ = stats.Mean(losses)
	s.Acc, _ = stats.Mean(accs)
	s.PRF = F1Score(s.TP, s.FP, s.FN)
	return s
}

// Map flattens s into named values for logging and tracking.
func (s Scores) Map(prefix string) map[string]float64 {
	return map[string]float64{
		prefix + "loss":      s.Loss,
		prefix + "acc":       s.Acc,
		prefix + "tp":        float64(s.TP),
		prefix + "fp":        float64(s.FP),
		prefix + "fn":        float64(s.FN),
		prefix + "precision": s.Precision,
		prefix + "recall":    s.Recall,
		prefix + "f1_score":  s.F1,
	}
}
