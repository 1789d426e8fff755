package tuner

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFunnelPicksFastestWhenScoresEqual(t *testing.T) {
	candidates := []int{64, 128, 256}
	sizes := []int64{16, 1024}

	// Candidate 128 is fastest (lowest nanos, so highest rate) at every size.
	nanos := map[int]float64{64: 500, 128: 100, 256: 900}

	timeFn := func(ctx context.Context, c int, size int64) (Score, error) {
		rate := 1 / nanos[c]
		return Score{A: rate, B: rate}, nil
	}

	winner, err := Funnel(context.Background(), candidates, sizes, DefaultRatio, timeFn, nil)
	require.NoError(t, err)
	require.Equal(t, 1, winner)
	require.Equal(t, 128, candidates[winner])
}

func TestFunnelDropsBelowRatioCutoff(t *testing.T) {
	candidates := []int{1, 2, 3, 4}
	sizes := []int64{10, 20}

	var seenSecondPhase []int
	timeFn := func(ctx context.Context, c int, size int64) (Score, error) {
		score := map[int]float64{1: 10, 2: 100, 3: 40, 4: 5}[c]
		if size == 20 {
			seenSecondPhase = append(seenSecondPhase, c)
		}
		return Score{A: score, B: score}, nil
	}

	_, err := Funnel(context.Background(), candidates, sizes, DefaultRatio, timeFn, nil)
	require.NoError(t, err)

	// maxA in phase 0 is 100 (candidate 2); cutoff = 50. Only candidate 2
	// (100) clears it; candidates 1 (10), 3 (40), 4 (5) are dropped.
	require.ElementsMatch(t, []int{2}, seenSecondPhase)
}

func TestFunnelDropsErroringAndNaNCandidates(t *testing.T) {
	candidates := []int{1, 2, 3}
	sizes := []int64{10}

	timeFn := func(ctx context.Context, c int, size int64) (Score, error) {
		switch c {
		case 1:
			return Score{}, errors.New("boom")
		case 2:
			return Score{A: math.NaN(), B: math.NaN()}, nil
		default:
			return Score{A: 50, B: 50}, nil
		}
	}

	winner, err := Funnel(context.Background(), candidates, sizes, DefaultRatio, timeFn, nil)
	require.NoError(t, err)
	require.Equal(t, 2, winner)
}

func TestFunnelAllCandidatesFailingIsTuneError(t *testing.T) {
	candidates := []int{1, 2}
	sizes := []int64{10}
	timeFn := func(ctx context.Context, c int, size int64) (Score, error) {
		return Score{}, errors.New("no good")
	}

	_, err := Funnel(context.Background(), candidates, sizes, DefaultRatio, timeFn, nil)
	require.Error(t, err)
}

func TestFunnelBiasPrefersEarlierCandidateUnlessClearlyFaster(t *testing.T) {
	candidates := []int{0, 1} // 0 = small footprint, 1 = large footprint
	sizes := []int64{10}

	timeFn := func(ctx context.Context, c int, size int64) (Score, error) {
		if c == 0 {
			// A=B=100: exactly at the boundary.
			return Score{A: 100, B: 100}, nil
		}
		// Candidate 1 is 4% slower (A=96); its B = 1.05*A = 100.8 also clears
		// maxA (100), but candidate 0 (B=100) qualifies first in source order.
		return Score{A: 96, B: 100.8}, nil
	}

	winner, err := Funnel(context.Background(), candidates, sizes, DefaultRatio, timeFn, nil)
	require.NoError(t, err)
	require.Equal(t, 0, winner, "first candidate whose B clears max(A) wins, and candidate 0 qualifies first in source order")
}

func TestFunnelRejectsEmptyInputs(t *testing.T) {
	_, err := Funnel[int](context.Background(), nil, []int64{1}, DefaultRatio, nil, nil)
	require.Error(t, err)

	_, err = Funnel(context.Background(), []int{1}, nil, DefaultRatio, nil, nil)
	require.Error(t, err)
}
