// Package predict labels conversation files with a trained model.
package predict

import (
	"context"
	"encoding/csv"
	"io"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"github.com/cnclabs/emotion/internal/data"
)

// Predictor returns a class id for every conversation of a batch.
type Predictor interface {
	Predict(b data.Batch) ([]int, error)
}

// Prediction is one row of the output file.
type Prediction struct {
	ID    string `csv:"id"`
	Label string `csv:"label"`
}

// Run labels every conversation of loader in file order. names maps class
// ids to label strings.
func Run(ctx context.Context, m Predictor, loader *data.Loader, names []string) ([]Prediction, error) {
	var out []Prediction
	for _, b := range loader.Sequential().Batches(0) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		preds, err := m.Predict(b)
		if err != nil {
			return nil, errors.Wrap(err, "predicting batch")
		}
		if len(preds) != b.Size() {
			return nil, errors.Errorf("got %d predictions for %d conversations", len(preds), b.Size())
		}
		for i, p := range preds {
			if p < 0 || p >= len(names) {
				return nil, errors.Errorf("class %d has no label", p)
			}
			out = append(out, Prediction{ID: b.RowIDs[i], Label: names[p]})
		}
	}
	return out, nil
}

// Write writes preds as tab-separated id and label columns under a header.
func Write(w io.Writer, preds []Prediction) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := gocsv.MarshalCSV(&preds, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return errors.Wrap(err, "encoding predictions")
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "writing predictions")
}

// WriteFile is Write to a new file at path.
func WriteFile(path string, preds []Prediction) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := Write(f, preds); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}
