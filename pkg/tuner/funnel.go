// Package tuner implements the autotuning core: a funnel search that
// narrows a list of candidate parameter sets down to a winner across a
// sequence of growing problem sizes, plus the per-algorithm three-funnel
// orchestration (reduce workgroup, then scan/scatter workgroup × work
// scale, then scan-block count).
package tuner

import (
	"context"
	"math"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clogs-go/clogs/internal/clerr"
)

// maxConcurrentProbes bounds how many candidates one funnel phase times at
// once. Each probe opens its own device queue (pkg/tuner.TimeOnDevice), so
// concurrent probes are safe as long as the underlying device.Context
// tolerates concurrent queue/buffer/program creation, which both
// internal/clruntime backends do.
func maxConcurrentProbes() int {
	if n := runtime.NumCPU(); n > 1 {
		return n
	}
	return 1
}

// Score is the (A, B) pair a timing callback returns for one candidate at
// one problem size, A <= B. Equal A=B picks strictly the fastest candidate;
// setting B above A lets a caller bias the funnel toward an earlier
// (typically smaller-footprint) candidate unless a later one clears B.
type Score struct {
	A, B float64
}

// TimeFunc measures one candidate at one problem size. It returns an error
// (rather than panicking) when the candidate cannot run at all; such
// candidates are dropped silently from the funnel.
type TimeFunc[C any] func(ctx context.Context, candidate C, problemSize int64) (Score, error)

// DefaultRatio is the default cutoff: after every phase but the last, candidates
// scoring below ratio*max(A) are dropped.
const DefaultRatio = 0.5

// Funnel runs the phased elimination search over candidates, evaluated at
// each of sizes in order, and returns the index (into candidates) of the
// winner.
//
// Each phase times every surviving candidate via time. NaN scores (from a
// candidate that errored, or whose callback legitimately returns NaN to
// mean "could not be measured") are dropped immediately, independent of
// the phase cutoff. After every phase except the last, survivors with
// A < ratio*max(A) are dropped. In the final phase the first candidate in
// source order with B >= max(A) wins.
func Funnel[C any](ctx context.Context, candidates []C, sizes []int64, ratio float64, time TimeFunc[C], report Reporter) (int, error) {
	if len(candidates) == 0 {
		return -1, clerr.InvalidArgument("tuner: funnel called with no candidates")
	}
	if len(sizes) == 0 {
		return -1, clerr.InvalidArgument("tuner: funnel called with no problem sizes")
	}
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultRatio
	}
	if report == nil {
		report = NopReporter{}
	}

	alive := make([]int, len(candidates))
	for i := range alive {
		alive[i] = i
	}

	for phase, size := range sizes {
		last := phase == len(sizes)-1
		report.BeginGroup(phase, size, len(alive))

		results := make([]Score, len(alive))
		ok := make([]bool, len(alive))

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(maxConcurrentProbes())
		for pos, idx := range alive {
			pos, idx := pos, idx
			group.Go(func() error {
				report.BeginTest(phase, idx)
				score, err := time(groupCtx, candidates[idx], size)
				if err != nil || math.IsNaN(score.A) || math.IsNaN(score.B) {
					report.EndTest(phase, idx, false)
					return nil
				}
				report.EndTest(phase, idx, true)
				results[pos] = score
				ok[pos] = true
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return -1, clerr.Promote(err)
		}

		scores := make(map[int]Score, len(alive))
		maxA := math.Inf(-1)
		var survivors []int
		for pos, idx := range alive {
			if !ok[pos] {
				continue
			}
			scores[idx] = results[pos]
			if results[pos].A > maxA {
				maxA = results[pos].A
			}
			survivors = append(survivors, idx)
		}

		if len(survivors) == 0 {
			report.EndGroup(phase, -1)
			return -1, clerr.Tune("tuner: every candidate was eliminated or errored in phase %d (size %d)", phase, size)
		}

		if last {
			for _, idx := range survivors {
				if scores[idx].B >= maxA {
					report.EndGroup(phase, idx)
					return idx, nil
				}
			}
			// No candidate's B cleared maxA (can happen if B < A was
			// mis-supplied); fall back to the candidate with the largest A.
			best := survivors[0]
			for _, idx := range survivors {
				if scores[idx].A > scores[best].A {
					best = idx
				}
			}
			report.EndGroup(phase, best)
			return best, nil
		}

		cutoff := ratio * maxA
		alive = alive[:0]
		for _, idx := range survivors {
			if scores[idx].A >= cutoff {
				alive = append(alive, idx)
			}
		}
		if len(alive) == 0 {
			alive = survivors
		}
		report.EndGroup(phase, -1)
	}

	return -1, clerr.Tune("tuner: funnel exhausted all phases without a winner")
}

var log = logrus.WithField("component", "tuner")
