package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func oneHot(preds []int) *mat.Dense {
	m := mat.NewDense(len(preds), NumClasses, nil)
	for i, p := range preds {
		m.Set(i, p, 1)
	}
	return m
}

func TestF1Score(t *testing.T) {
	r := F1Score(3, 1, 1)
	assert.InDelta(t, 0.75, r.Precision, 1e-12)
	assert.InDelta(t, 0.75, r.Recall, 1e-12)
	assert.InDelta(t, 0.75, r.F1, 1e-12)
}

func TestF1ScoreZeroDenominator(t *testing.T) {
	r := F1Score(0, 0, 5)
	assert.Equal(t, 0.0, r.Precision)
	assert.Equal(t, 0.0, r.Recall)
	assert.Equal(t, 0.0, r.F1)

	assert.Equal(t, PRF{}, F1Score(0, 0, 0))
}

func TestBatchConfusion(t *testing.T) {
	s := Batch(0.5, oneHot([]int{1, 1, 2, 0}), []int{1, 2, 2, 0})
	assert.Equal(t, 1, s.Confusion[1][1])
	assert.Equal(t, 1, s.Confusion[2][1])
	assert.Equal(t, 1, s.Confusion[2][2])
	assert.Equal(t, 1, s.Confusion[0][0])
	assert.Equal(t, 2, s.TP)
	assert.Equal(t, 1, s.FP)
	assert.Equal(t, 1, s.FN)
	assert.InDelta(t, 0.75, s.Acc, 1e-12)
	assert.Equal(t, 0.5, s.Loss)
}

func TestCountsAgainstHandMatrix(t *testing.T) {
	var c Confusion
	// others predicted as sad, happy predicted as others, angry correct
	c.Add(0, 1)
	c.Add(3, 0)
	c.Add(2, 2)
	c.Add(0, 0)
	tp, fp, fn := c.Counts()
	assert.Equal(t, 1, tp)
	assert.Equal(t, 1, fp)
	assert.Equal(t, 1, fn)
}

func TestAggregate(t *testing.T) {
	batches := []BatchScores{
		Batch(1.0, oneHot([]int{1, 0}), []int{1, 0}),
		Batch(3.0, oneHot([]int{2, 2}), []int{1, 0}),
	}
	s := Aggregate(batches)
	assert.InDelta(t, 2.0, s.Loss, 1e-12)
	assert.InDelta(t, 0.5, s.Acc, 1e-12)
	assert.Equal(t, 1, s.TP)
	assert.Equal(t, 2, s.FP)
	assert.Equal(t, 1, s.FN)
	assert.InDelta(t, 1.0/3, s.Precision, 1e-12)
	assert.InDelta(t, 0.5, s.Recall, 1e-12)
	assert.InDelta(t, 0.4, s.F1, 1e-12)

	m := s.Map("val_")
	assert.Equal(t, 2.0, m["val_loss"])
	assert.InDelta(t, 0.4, m["val_f1_score"], 1e-12)
	assert.Len(t, m, 8)

	assert.Equal(t, Scores{}, Aggregate(nil))
}
