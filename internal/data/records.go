// Package data reads three-turn conversation files and turns them into
// padded token batches.
package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// Record is one row of a conversation file.
type Record struct {
	ID    string `csv:"id"`
	Turn1 string `csv:"turn1"`
	Turn2 string `csv:"turn2"`
	Turn3 string `csv:"turn3"`
	Label string `csv:"label"`
}

// Turns returns the three turns in order.
func (r Record) Turns() [3]string {
	return [3]string{r.Turn1, r.Turn2, r.Turn3}
}

var requiredColumns = []string{"id", "turn1", "turn2", "turn3"}

// ErrNoLabels is reported when a labelled file has no label column.
var ErrNoLabels = errors.New("no label column")

// ParseError reports a malformed conversation file.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error { return e.Err }

// Cause returns the underlying error.
func (e *ParseError) Cause() error { return e.Err }

// Open reads a tab-separated file with a header row holding at least the
// id and turn1..turn3 columns.
func Open(path string) ([]Record, error) {
	return open(path, requiredColumns)
}

// OpenLabelled is Open that additionally requires the label column.
func OpenLabelled(path string) ([]Record, error) {
	return open(path, append(requiredColumns[:len(requiredColumns):len(requiredColumns)], "label"))
}

func open(path string, required []string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	records, err := decode(f, required)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
			return nil, pe
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	return records, nil
}

func decode(r io.Reader, required []string) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	rows, err := reader.ReadAll()
	if err != nil {
		var ce *csv.ParseError
		if errors.As(err, &ce) {
			return nil, &ParseError{Line: ce.Line, Err: ce.Err}
		}
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &ParseError{Line: 1, Err: errors.New("missing header row")}
	}

	header := make(map[string]bool, len(rows[0]))
	for _, col := range rows[0] {
		header[col] = true
	}
	for _, col := range required {
		if header[col] {
			continue
		}
		if col == "label" {
			return nil, &ParseError{Line: 1, Err: ErrNoLabels}
		}
		return nil, &ParseError{Line: 1, Err: errors.Errorf("missing column %q", col)}
	}

	var records []Record
	if err := gocsv.UnmarshalCSV(&rowReader{rows: rows}, &records); err != nil {
		return nil, errors.Wrap(err, "decoding records")
	}
	return records, nil
}

// rowReader replays already split rows to gocsv.
type rowReader struct {
	rows [][]string
	next int
}

func (r *rowReader) Read() ([]string, error) {
	if r.next >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.next]
	r.next++
	return row, nil
}

func (r *rowReader) ReadAll() ([][]string, error) {
	rest := r.rows[r.next:]
	r.next = len(r.rows)
	return rest, nil
}
