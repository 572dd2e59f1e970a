package data

import "math/rand"

// Sampler yields the example order of one epoch.
type Sampler interface {
	Indices(epoch int) []int
}

// SequentialSampler visits every example in file order.
type SequentialSampler struct {
	N int
}

// Indices returns 0..N-1.
func (s SequentialSampler) Indices(int) []int {
	idx := make([]int, s.N)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// RandomSampler shuffles every epoch with seed+epoch.
type RandomSampler struct {
	N    int
	Seed int64
}

// Indices returns a permutation of 0..N-1.
func (s RandomSampler) Indices(epoch int) []int {
	return rand.New(rand.NewSource(s.Seed + int64(epoch))).Perm(s.N)
}

// DistributedSampler gives replica Rank of World its share of the order
// produced by Base, which must be identical across replicas. The order is
// padded by wrapping around so every replica receives the same number of
// indices, and replica r takes positions r, r+World, r+2*World ...
type DistributedSampler struct {
	Base  Sampler
	Rank  int
	World int
}

// Indices returns the replica's share for epoch.
func (s DistributedSampler) Indices(epoch int) []int {
	order := s.Base.Indices(epoch)
	n := len(order)
	if n == 0 {
		return nil
	}
	world := s.World
	if world < 1 {
		world = 1
	}
	per := (n + world - 1) / world
	total := per * world
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%n])
	}
	out := make([]int, 0, per)
	for i := s.Rank; i < total; i += world {
		out = append(out, order[i])
	}
	return out
}

// BalancedSampler draws N examples with replacement, each with weight
// inversely proportional to the frequency of its label, so every class is
// drawn about equally often.
type BalancedSampler struct {
	Seed int64

	table []aliasEntry
}

// NewBalancedSampler builds the alias table for labels.
func NewBalancedSampler(labels []int, seed int64) *BalancedSampler {
	counts := make(map[int]int)
	for _, l := range labels {
		counts[l]++
	}
	weights := make([]float64, len(labels))
	for i, l := range labels {
		weights[i] = 1 / float64(counts[l])
	}
	return &BalancedSampler{Seed: seed, table: buildAlias(weights)}
}

// Indices draws len(labels) indices.
func (s *BalancedSampler) Indices(epoch int) []int {
	rng := rand.New(rand.NewSource(s.Seed + int64(epoch)))
	out := make([]int, len(s.table))
	for i := range out {
		out[i] = sampleAlias(s.table, rng)
	}
	return out
}

type aliasEntry struct {
	prob  float64
	alias int
}

// buildAlias builds a Vose alias table for O(1) weighted draws. All-zero
// weights give the uniform distribution.
func buildAlias(weights []float64) []aliasEntry {
	n := len(weights)
	if n == 0 {
		return nil
	}
	table := make([]aliasEntry, n)

	sum := 0.0
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum == 0 {
		for i := range table {
			table[i] = aliasEntry{prob: 1, alias: i}
		}
		return table
	}

	scaled := make([]float64, n)
	small := make([]int, 0, n)
	large := make([]int, 0, n)
	for i, w := range weights {
		if w > 0 {
			scaled[i] = w * float64(n) / sum
		}
		if scaled[i] < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	for len(small) > 0 && len(large) > 0 {
		l := small[len(small)-1]
		small = small[:len(small)-1]
		g := large[len(large)-1]
		large = large[:len(large)-1]

		table[l] = aliasEntry{prob: scaled[l], alias: g}
		scaled[g] += scaled[l] - 1
		if scaled[g] < 1 {
			small = append(small, g)
		} else {
			large = append(large, g)
		}
	}
	// leftovers are 1 up to rounding
	for _, i := range append(small, large...) {
		table[i] = aliasEntry{prob: 1, alias: i}
	}
	return table
}

func sampleAlias(table []aliasEntry, rng *rand.Rand) int {
	i := rng.Intn(len(table))
	if rng.Float64() < table[i].prob {
		return i
	}
	return table[i].alias
}
