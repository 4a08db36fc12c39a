package trie

import (
	"math"

	"github.com/np/eleve/pkg/pool"
)

// branchingEntropy returns the base-2 Shannon entropy of the distribution of
// children counts.
//
// A child reached through a terminal token stands for count distinct
// continuations rather than one: a sentence boundary says nothing about what
// follows it, so each occurrence is its own outcome.
func branchingEntropy(children *pool.CountSlice) float64 {
	var total float64
	for _, c := range children.Counts {
		total += float64(c)
	}
	if total == 0 {
		return 0
	}

	var h float64
	for i, c := range children.Counts {
		if c == 0 {
			continue
		}
		f := float64(c)
		if children.Terminal[i] {
			// c outcomes of probability 1/total each
			h += f / total * math.Log2(total)
			continue
		}
		p := f / total
		h -= p * math.Log2(p)
	}
	if h < 0 {
		return 0
	}
	return h
}

// accumulator is Welford's online mean/variance over one depth.
type accumulator struct {
	n    uint64
	mean float64
	m2   float64
}

func (a *accumulator) add(x float64) {
	a.n++
	delta := x - a.mean
	a.mean += delta / float64(a.n)
	a.m2 += delta * (x - a.mean)
}

// result returns the mean and the population standard deviation.
func (a *accumulator) result() (mean, stdev float64) {
	if a.n == 0 {
		return 0, 0
	}
	return a.mean, math.Sqrt(a.m2 / float64(a.n))
}
