package data

import "github.com/pkg/errors"

// Turns is the number of utterances per conversation.
const Turns = 3

// PadID fills the tail of short sequences.
const PadID = 0

// Encoder turns text into token ids, [CLS] and [SEP] included, truncated to
// at most maxLen ids.
type Encoder interface {
	Encode(text string, maxLen int) []int
}

// Transform tokenizes the three turns of every record, right-pads them with
// PadID to maxSeqLen and builds the matching attention masks. Sequences
// longer than maxSeqLen are truncated without error.
func Transform(records []Record, enc Encoder, maxSeqLen int) (ids, mask [][Turns][]int) {
	ids = make([][Turns][]int, len(records))
	mask = make([][Turns][]int, len(records))
	for i, r := range records {
		for t, text := range r.Turns() {
			seq := make([]int, maxSeqLen)
			m := make([]int, maxSeqLen)
			encoded := enc.Encode(text, maxSeqLen)
			if len(encoded) > maxSeqLen {
				encoded = encoded[:maxSeqLen]
			}
			copy(seq, encoded)
			for j, id := range seq {
				if id != PadID {
					m[j] = 1
				}
			}
			ids[i][t] = seq
			mask[i][t] = m
		}
	}
	return ids, mask
}

// Dataset holds a fully tokenized file.
type Dataset struct {
	RowIDs    []string
	IDs       [][Turns][]int
	Mask      [][Turns][]int
	Labels    []int // nil without labels
	MaxSeqLen int
}

// Build tokenizes records. Labels are mapped only when labelMap is non-nil.
func Build(records []Record, enc Encoder, maxSeqLen int, labelMap map[string]int) (*Dataset, error) {
	if maxSeqLen < 2 {
		return nil, errors.Errorf("max sequence length %d leaves no room for [CLS] and [SEP]", maxSeqLen)
	}
	ds := &Dataset{
		RowIDs:    make([]string, len(records)),
		MaxSeqLen: maxSeqLen,
	}
	for i, r := range records {
		ds.RowIDs[i] = r.ID
	}
	ds.IDs, ds.Mask = Transform(records, enc, maxSeqLen)
	if labelMap != nil {
		labels, err := Labels(records, labelMap)
		if err != nil {
			return nil, err
		}
		ds.Labels = labels
	}
	return ds, nil
}

// Len returns the number of conversations.
func (d *Dataset) Len() int {
	return len(d.RowIDs)
}

// Batch gathers the examples at indices.
func (d *Dataset) Batch(indices []int) Batch {
	b := Batch{
		RowIDs: make([]string, len(indices)),
		IDs:    make([][Turns][]int, len(indices)),
		Mask:   make([][Turns][]int, len(indices)),
	}
	if d.Labels != nil {
		b.Labels = make([]int, len(indices))
	}
	for i, idx := range indices {
		b.RowIDs[i] = d.RowIDs[idx]
		b.IDs[i] = d.IDs[idx]
		b.Mask[i] = d.Mask[idx]
		if d.Labels != nil {
			b.Labels[i] = d.Labels[idx]
		}
	}
	return b
}

// ClassCounts returns the number of examples per label id.
func (d *Dataset) ClassCounts() map[int]int {
	counts := make(map[int]int)
	for _, l := range d.Labels {
		counts[l]++
	}
	return counts
}

// Batch is a (B, 3, T) slice of a Dataset. Labels is nil in inference mode.
type Batch struct {
	RowIDs []string
	IDs    [][Turns][]int
	Mask   [][Turns][]int
	Labels []int
}

// Size returns the number of conversations in the batch.
func (b Batch) Size() int {
	return len(b.IDs)
}

// SeqLen returns the padded sequence length.
func (b Batch) SeqLen() int {
	if len(b.IDs) == 0 {
		return 0
	}
	return len(b.IDs[0][0])
}

// Split divides the batch into at most parts contiguous chunks of nearly
// equal size. Empty chunks are omitted.
func (b Batch) Split(parts int) []Batch {
	n := b.Size()
	if parts > n {
		parts = n
	}
	if parts <= 1 {
		return []Batch{b}
	}
	out := make([]Batch, 0, parts)
	start := 0
	for p := 0; p < parts; p++ {
		end := start + n/parts
		if p < n%parts {
			end++
		}
		chunk := Batch{
			RowIDs: b.RowIDs[start:end],
			IDs:    b.IDs[start:end],
			Mask:   b.Mask[start:end],
		}
		if b.Labels != nil {
			chunk.Labels = b.Labels[start:end]
		}
		out = append(out, chunk)
		start = end
	}
	return out
}
