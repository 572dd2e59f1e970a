package data

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Others is the id of the neutral class.
const Others = 0

// NumClasses is the number of emotion classes.
const NumClasses = 4

// EmotionLabels maps label strings to class ids.
var EmotionLabels = map[string]int{
	"others": Others,
	"sad":    1,
	"angry":  2,
	"happy":  3,
}

// LabelNames returns the label strings of m ordered by id.
func LabelNames(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return m[names[i]] < m[names[j]] })
	return names
}

// ErrUnknownLabel matches every LabelError.
var ErrUnknownLabel = errors.New("unknown label")

// LabelError reports a label that is absent from the label map.
type LabelError struct {
	Row   string
	Label string
}

func (e *LabelError) Error() string {
	return fmt.Sprintf("row %s: unknown label %q", e.Row, e.Label)
}

// Is reports whether target is ErrUnknownLabel.
func (e *LabelError) Is(target error) bool {
	return target == ErrUnknownLabel
}

// Labels maps every record label through labelMap.
func Labels(records []Record, labelMap map[string]int) ([]int, error) {
	labels := make([]int, len(records))
	for i, r := range records {
		id, ok := labelMap[r.Label]
		if !ok {
			return nil, &LabelError{Row: r.ID, Label: r.Label}
		}
		labels[i] = id
	}
	return labels, nil
}
