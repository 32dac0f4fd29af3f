package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Forest defaults. Training with the same data and these values always
// produces the same forest.
const (
	DefaultTrees         = 100
	DefaultMaxSamples    = 256
	DefaultContamination = 0.1
	DefaultSeed          = 42
)

// Forest is an isolation forest. Decision values follow the usual
// convention: negative means more anomalous than the contamination
// threshold learned at fit time, positive means more normal.
type Forest struct {
	Trees      []*iNode `json:"trees"`
	SampleSize int      `json:"sample_size"`
	Width      int      `json:"width"`
	Offset     float64  `json:"offset"`
}

type iNode struct {
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split,omitempty"`
	Left     *iNode  `json:"l,omitempty"`
	Right    *iNode  `json:"r,omitempty"`
}

func (n *iNode) leaf() bool { return n.Left == nil && n.Right == nil }

// ForestConfig controls forest fitting.
type ForestConfig struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          int64
}

// DefaultForestConfig returns the fixed configuration used for per-user
// models.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:         DefaultTrees,
		MaxSamples:    DefaultMaxSamples,
		Contamination: DefaultContamination,
		Seed:          DefaultSeed,
	}
}

// FitForest grows a forest over rows and calibrates its decision offset so
// that the given contamination share of the training rows scores below 0.
func FitForest(rows [][]float64, cfg ForestConfig) (*Forest, error) {
	n := len(rows)
	if n == 0 {
		return nil, errors.New("anomaly: cannot fit forest on empty data")
	}
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrDimension, i, len(row), width)
		}
	}
	if cfg.Trees <= 0 {
		cfg.Trees = DefaultTrees
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}

	psi := min(cfg.MaxSamples, n)
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	rng := rand.New(rand.NewSource(cfg.Seed))

	f := &Forest{
		Trees:      make([]*iNode, cfg.Trees),
		SampleSize: psi,
		Width:      width,
	}
	for t := range f.Trees {
		idx := rng.Perm(n)[:psi]
		sample := make([][]float64, psi)
		for j, k := range idx {
			sample[j] = rows[k]
		}
		f.Trees[t] = grow(rng, sample, 0, heightLimit)
	}

	scores := make([]float64, n)
	for i, row := range rows {
		scores[i] = f.scoreSample(row)
	}
	f.Offset = percentile(scores, cfg.Contamination*100)
	return f, nil
}

func grow(rng *rand.Rand, rows [][]float64, depth, limit int) *iNode {
	if len(rows) <= 1 || depth >= limit {
		return &iNode{Size: len(rows)}
	}
	width := len(rows[0])
	dim := rng.Intn(width)
	lo, hi := rows[0][dim], rows[0][dim]
	for _, row := range rows[1:] {
		lo = math.Min(lo, row[dim])
		hi = math.Max(hi, row[dim])
	}
	if lo == hi {
		return &iNode{Size: len(rows)}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range rows {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iNode{Size: len(rows)}
	}
	return &iNode{
		Dim:      dim,
		SplitVal: split,
		Left:     grow(rng, left, depth+1, limit),
		Right:    grow(rng, right, depth+1, limit),
	}
}

// averagePathLength is c(n), the mean depth of an unsuccessful search in a
// binary search tree of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	return 2*(math.Log(float64(n-1))+0.5772156649) - 2*float64(n-1)/float64(n)
}

func pathLength(node *iNode, x []float64) float64 {
	depth := 0.0
	for !node.leaf() {
		if x[node.Dim] < node.SplitVal {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return depth + averagePathLength(node.Size)
}

// scoreSample is the negated anomaly score in [-1, 0): lower is more
// anomalous.
func (f *Forest) scoreSample(x []float64) float64 {
	sum := 0.0
	for _, t := range f.Trees {
		sum += pathLength(t, x)
	}
	mean := sum / float64(len(f.Trees))
	c := averagePathLength(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return -math.Pow(2, -mean/c)
}

// Decision returns the raw decision value for x.
func (f *Forest) Decision(x []float64) (float64, error) {
	if len(x) != f.Width {
		return 0, fmt.Errorf("%w: got %d values, want %d", ErrDimension, len(x), f.Width)
	}
	if len(f.Trees) == 0 {
		return 0, errors.New("anomaly: forest has no trees")
	}
	return f.scoreSample(x) - f.Offset, nil
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
