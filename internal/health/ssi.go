package health

import (
	"math"
	"sync"
)

const (
	historyCap    = 60
	heapBufferCap = 20

	weightScoreStability = 0.4
	weightReplayFriction = 0.2
	weightBurnVariance   = 0.2
	weightHeapNeutrality = 0.2
)

// Snapshot is the raw input to one index computation.
type Snapshot struct {
	MA20Scores []float64
	Jobs24h    int
	Replays24h int
	BurnCV     float64
}

// Components are the weighted sub-scores, each clamped to [0,100].
type Components struct {
	ScoreStability float64 `json:"score_stability"`
	ReplayFriction float64 `json:"replay_friction"`
	BurnVariance   float64 `json:"burn_variance"`
	HeapNeutrality float64 `json:"heap_neutrality"`
}

// Index is the computed system stability index plus its derived trend.
type Index struct {
	Total         float64    `json:"total"`
	Components    Components `json:"components"`
	TrendSlope    float64    `json:"trend_slope"`
	Projection12h float64    `json:"projection_12h"`
	Correlation   float64    `json:"ssi_burn_correlation"`
	Samples       int        `json:"samples"`
}

// Calculator folds snapshots into a stability index and keeps the
// bounded history needed for trend and correlation. Safe for
// concurrent use.
type Calculator struct {
	mu      sync.Mutex
	history []float64
	cvs     []float64
	heap    []uint64
	last    Index
}

// RecordHeap appends a heap sample to the bounded buffer.
func (c *Calculator) RecordHeap(heapBytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heap = append(c.heap, heapBytes)
	if len(c.heap) > heapBufferCap {
		c.heap = c.heap[len(c.heap)-heapBufferCap:]
	}
}

// Compute folds one snapshot into the index and returns the result.
func (c *Calculator) Compute(s Snapshot) Index {
	c.mu.Lock()
	defer c.mu.Unlock()

	comp := Components{
		ScoreStability: clamp(100 - 5*stdDev(s.MA20Scores)),
		ReplayFriction: clamp(100 - 200*float64(s.Replays24h)/math.Max(float64(s.Jobs24h), 1)),
		BurnVariance:   clamp(100 - 150*s.BurnCV),
		HeapNeutrality: c.heapNeutrality(),
	}
	total := weightScoreStability*comp.ScoreStability +
		weightReplayFriction*comp.ReplayFriction +
		weightBurnVariance*comp.BurnVariance +
		weightHeapNeutrality*comp.HeapNeutrality
	total = math.Round(total*100) / 100

	idx := Index{Total: total, Components: comp}

	if len(c.history) > 5 {
		idx.TrendSlope = (total - c.history[0]) / float64(len(c.history))
		idx.Projection12h = clamp(total + idx.TrendSlope*720)
	} else {
		idx.Projection12h = total
	}

	c.history = append(c.history, total)
	c.cvs = append(c.cvs, s.BurnCV)
	if len(c.history) > historyCap {
		c.history = c.history[len(c.history)-historyCap:]
		c.cvs = c.cvs[len(c.cvs)-historyCap:]
	}
	idx.Samples = len(c.history)

	if len(c.history) > 10 {
		idx.Correlation = pearson(c.history, c.cvs)
	}

	c.last = idx
	return idx
}

// Last returns the most recently computed index.
func (c *Calculator) Last() Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// heapNeutrality penalizes sustained heap growth across the buffer.
// With five or fewer samples there is not enough signal to judge.
func (c *Calculator) heapNeutrality() float64 {
	if len(c.heap) <= 5 {
		return 100
	}
	first := float64(c.heap[0])
	last := float64(c.heap[len(c.heap)-1])
	if first <= 0 {
		return 100
	}
	growth := math.Max(0, (last-first)/first)
	return clamp(100 - 1000*growth)
}

func clamp(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
