package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokenlab/amtrain/errors"
)

func items(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("utt%03d", i)
	}
	return out
}

func TestSplitSizes(t *testing.T) {
	cases := []struct {
		n, parts int
	}{
		{100, 4}, {100, 3}, {101, 4}, {7, 7}, {7, 3}, {1, 1},
	}
	for _, c := range cases {
		parts := Split(items(c.n), c.parts)
		require.Len(t, parts, c.parts, "n=%d parts=%d", c.n, c.parts)

		total := 0
		min, max := c.n, 0
		for i, p := range parts {
			assert.Equal(t, i, p.Index)
			total += len(p.Items)
			if len(p.Items) < min {
				min = len(p.Items)
			}
			if len(p.Items) > max {
				max = len(p.Items)
			}
		}
		assert.Equal(t, c.n, total, "partition sizes must sum to the list length")
		assert.LessOrEqual(t, max-min, 1, "partition sizes must differ by at most 1")
	}
}

func TestSplitContiguous(t *testing.T) {
	parts := Split(items(10), 3)
	var flat []string
	for _, p := range parts {
		flat = append(flat, p.Items...)
	}
	assert.Equal(t, items(10), flat, "partitions must preserve the original order")
}

func TestSplitFewerItemsThanWorkers(t *testing.T) {
	parts := Split(items(2), 5)
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.Len(t, p.Items, 1)
	}
}

func TestRunLocalFansOut(t *testing.T) {
	d := Dispatcher{Mode: Local, Parallelism: 4}

	var ran int32
	results, err := d.Run(context.Background(), items(100), func(ctx context.Context, p Partition) (PartResult, error) {
		atomic.AddInt32(&ran, 1)
		return PartResult{Stats: Stats{
			Frames:       int64(len(p.Items)),
			TotalLogProb: -10 * float64(len(p.Items)),
			AccumFiles:   []string{fmt.Sprintf("part-%d.acc", p.Index)},
		}}, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.EqualValues(t, 4, ran)

	for _, res := range results {
		assert.Len(t, res.Stats.AccumFiles, 1)
		assert.EqualValues(t, 25, res.Stats.Frames, "100 utterances over 4 workers")
	}
}

func TestRunPartitionFailureFailsWholeJob(t *testing.T) {
	d := Dispatcher{Mode: Local, Parallelism: 4}

	results, err := d.Run(context.Background(), items(100), func(ctx context.Context, p Partition) (PartResult, error) {
		if p.Index == 3 {
			return PartResult{}, errors.New("no tokens survived")
		}
		return PartResult{Stats: Stats{Frames: 1}}, nil
	})
	require.Error(t, err)
	assert.Nil(t, results, "no partial results on failure")
	assert.Contains(t, err.Error(), "partition 3")
}

func TestRunDistributedFansOut(t *testing.T) {
	d := Dispatcher{Mode: Distributed, Parallelism: 3}

	results, err := d.Run(context.Background(), items(9), func(ctx context.Context, p Partition) (PartResult, error) {
		return PartResult{Stats: Stats{Frames: int64(len(p.Items))}}, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
}

func TestMergeStatsPermutationInvariant(t *testing.T) {
	results := []PartResult{
		{Index: 0, Stats: Stats{Frames: 100, TotalLogProb: -700, AccumFiles: []string{"p0.acc"}}},
		{Index: 1, Stats: Stats{Frames: 50, TotalLogProb: -360, AccumFiles: []string{"p1.acc"}}},
		{Index: 2, Stats: Stats{Frames: 75, TotalLogProb: -500, AccumFiles: []string{"p2.acc"}}},
	}
	permuted := []PartResult{results[2], results[0], results[1]}

	a := MergeStats(results)
	b := MergeStats(permuted)
	assert.Equal(t, a, b)
	assert.EqualValues(t, 225, a.Frames)
	assert.InDelta(t, -1560.0/225.0, a.LikPerFrame(), 1e-12)
}

func TestMergeFilesPreservesPartitionOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/p0", []byte("a\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/tmp/p1", []byte("b\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/tmp/p2", []byte("c\n"), 0644))

	// results arrive out of order; merge must reorder by partition index
	results := []PartResult{
		{Index: 2, Files: []string{"/tmp/p2"}},
		{Index: 0, Files: []string{"/tmp/p0"}},
		{Index: 1, Files: []string{"/tmp/p1"}},
	}
	require.NoError(t, MergeFiles(fs, results, "/tmp/merged"))

	data, err := afero.ReadFile(fs, "/tmp/merged")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(data))
}
