package data

import "github.com/pkg/errors"

// Options configures Load.
type Options struct {
	MaxSeqLen     int
	BatchSize     int
	LabelMap      map[string]int
	IncludeLabels bool
	Seed          int64
	Balanced      bool

	// Distributed restricts the loader to replica Rank of World. The
	// trainer instead keeps one loader and calls Shard per replica.
	Distributed bool
	Rank        int
	World       int
}

// Loader cuts a Dataset into batches following a Sampler.
type Loader struct {
	data      *Dataset
	batchSize int
	sampler   Sampler
	base      Sampler
	opts      Options
}

// Load opens path, tokenizes it and returns a shuffled loader. With
// IncludeLabels unset the label column is ignored and batches carry no
// labels.
func Load(path string, enc Encoder, opts Options) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}

	var (
		records []Record
		err     error
	)
	if opts.IncludeLabels {
		records, err = OpenLabelled(path)
	} else {
		records, err = Open(path)
	}
	if err != nil {
		return nil, err
	}

	var labelMap map[string]int
	if opts.IncludeLabels {
		labelMap = opts.LabelMap
		if labelMap == nil {
			labelMap = EmotionLabels
		}
	}
	ds, err := Build(records, enc, opts.MaxSeqLen, labelMap)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s", path)
	}
	return NewLoader(ds, opts), nil
}

// NewLoader wraps ds. The sampler follows opts: class balanced when
// Balanced is set and labels are present, otherwise a seeded shuffle. With
// Distributed set only the Rank of World share of that order is visited.
func NewLoader(ds *Dataset, opts Options) *Loader {
	l := &Loader{data: ds, batchSize: opts.BatchSize, opts: opts}
	if opts.Balanced && ds.Labels != nil {
		l.base = NewBalancedSampler(ds.Labels, opts.Seed)
	} else {
		l.base = RandomSampler{N: ds.Len(), Seed: opts.Seed}
	}
	l.sampler = l.base
	if opts.Distributed {
		l.sampler = DistributedSampler{Base: l.base, Rank: opts.Rank, World: opts.World}
	}
	return l
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() *Dataset {
	return l.data
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// Shard returns a loader over replica rank's disjoint part of every epoch.
// The shards split the loader's undistributed order, balanced draws
// included.
func (l *Loader) Shard(rank, world int) *Loader {
	opts := l.opts
	opts.Distributed, opts.Rank, opts.World = true, rank, world
	return &Loader{
		data:      l.data,
		batchSize: l.batchSize,
		base:      l.base,
		opts:      opts,
		sampler:   DistributedSampler{Base: l.base, Rank: rank, World: world},
	}
}

// Sequential returns an unshuffled loader for evaluation and inference.
func (l *Loader) Sequential() *Loader {
	seq := SequentialSampler{N: l.data.Len()}
	return &Loader{
		data:      l.data,
		batchSize: l.batchSize,
		base:      seq,
		opts:      l.opts,
		sampler:   seq,
	}
}

// Batches returns the batches of epoch. The last batch may be short.
func (l *Loader) Batches(epoch int) []Batch {
	indices := l.sampler.Indices(epoch)
	batches := make([]Batch, 0, (len(indices)+l.batchSize-1)/l.batchSize)
	for start := 0; start < len(indices); start += l.batchSize {
		end := start + l.batchSize
		if end > len(indices) {
			end = len(indices)
		}
		batches = append(batches, l.data.Batch(indices[start:end]))
	}
	return batches
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	n := len(l.sampler.Indices(0))
	return (n + l.batchSize - 1) / l.batchSize
}
