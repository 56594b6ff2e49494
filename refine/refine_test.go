package refine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokenlab/amtrain/artifact"
	"github.com/spokenlab/amtrain/dispatch"
	"github.com/spokenlab/amtrain/engine"
	"github.com/spokenlab/amtrain/errors"
)

func newLoop(t *testing.T) (Loop, *engine.Fake, *artifact.Store) {
	t.Helper()
	fake := engine.NewFake()
	store := artifact.NewStore(fake.Fs, "/exp")
	require.NoError(t, store.EnsureFresh(false))
	loop := Loop{
		Store:      store,
		Engine:     fake,
		Dispatcher: dispatch.Dispatcher{Mode: dispatch.Local, Parallelism: 2},
	}
	return loop, fake, store
}

func data(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("/exp/data/utt%02d.mfc", i)
	}
	return out
}

func seed(t *testing.T, store *artifact.Store, k artifact.Key) artifact.Snapshot {
	t.Helper()
	_, err := store.CreateDir(k)
	require.NoError(t, err)
	return artifact.Snapshot{Key: k}
}

func TestIterateProducesExactlyNSnapshots(t *testing.T) {
	loop, fake, store := newLoop(t)
	start := seed(t, store, artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 0})

	final, err := loop.Iterate(context.Background(), start, data(10), "/exp/phone.mlf", "/exp/mono.list", 4, nil)
	require.NoError(t, err)

	assert.Equal(t, artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 4}, final.Key)
	for iter := 1; iter <= 4; iter++ {
		assert.True(t, store.Exists(artifact.Key{Root: "/exp/Mono", Size: 1, Iter: iter}))
	}
	assert.False(t, store.Exists(artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 5}))

	// each iteration is one estimate fan-out (2 partitions) plus one combine
	var estimates, combines int
	for _, op := range fake.Ops() {
		switch op {
		case "Estimate":
			estimates++
		case "Combine":
			combines++
		}
	}
	assert.Equal(t, 8, estimates)
	assert.Equal(t, 4, combines)
}

func TestIterateStepsDependOnPredecessor(t *testing.T) {
	loop, fake, store := newLoop(t)
	start := seed(t, store, artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 0})

	// every estimate call must read the immediately preceding snapshot
	var modelDirs []string
	fake.EstimateErr = func(req engine.EstimateRequest) error {
		modelDirs = append(modelDirs, req.ModelDir)
		return nil
	}

	_, err := loop.Iterate(context.Background(), start, data(4), "/exp/phone.mlf", "/exp/mono.list", 3, nil)
	require.NoError(t, err)

	want := []string{
		"/exp/Mono/HMM-1-0", "/exp/Mono/HMM-1-0",
		"/exp/Mono/HMM-1-1", "/exp/Mono/HMM-1-1",
		"/exp/Mono/HMM-1-2", "/exp/Mono/HMM-1-2",
	}
	assert.Equal(t, want, modelDirs)
}

func TestIterateLikelihoodRecorded(t *testing.T) {
	loop, _, store := newLoop(t)
	start := seed(t, store, artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 0})

	final, err := loop.Iterate(context.Background(), start, data(4), "/exp/phone.mlf", "/exp/mono.list", 1, nil)
	require.NoError(t, err)
	assert.NotZero(t, final.LikPerFrame)
}

func TestIterateFailedPartitionAbortsIteration(t *testing.T) {
	loop, fake, store := newLoop(t)
	start := seed(t, store, artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 0})

	fake.EstimateErr = func(req engine.EstimateRequest) error {
		return errors.New("no tokens survived")
	}
	_, err := loop.Iterate(context.Background(), start, data(4), "/exp/phone.mlf", "/exp/mono.list", 2, nil)
	require.Error(t, err)

	// the failed iteration must not have been combined
	for _, op := range fake.Ops() {
		assert.NotEqual(t, "Combine", op)
	}
}

func TestGrowMixturesSchedule(t *testing.T) {
	loop, fake, store := newLoop(t)
	start := seed(t, store, artifact.Key{Root: "/exp/Xword", Size: 1, Iter: 0})

	final, err := loop.GrowMixtures(context.Background(), start, data(8), "/exp/tri.mlf", "/exp/tied.list", GrowParams{
		Root:         "/exp/Xword",
		Schedule:     []int{1, 2, 4},
		ItersPerStep: 2,
	})
	require.NoError(t, err)

	// schedule [1,2,4] starting at (root,1,0): entry 1 is pure
	// re-estimation, entries 2 and 4 are split events; six refinement
	// snapshots total, ending at (root,4,2)
	assert.Equal(t, artifact.Key{Root: "/exp/Xword", Size: 4, Iter: 2}, final.Key)

	var splits, combines int
	for _, op := range fake.Ops() {
		switch op {
		case "Split":
			splits++
		case "Combine":
			combines++
		}
	}
	assert.Equal(t, 2, splits)
	assert.Equal(t, 6, combines)

	for _, k := range []artifact.Key{
		{Root: "/exp/Xword", Size: 1, Iter: 1},
		{Root: "/exp/Xword", Size: 1, Iter: 2},
		{Root: "/exp/Xword", Size: 2, Iter: 0},
		{Root: "/exp/Xword", Size: 2, Iter: 2},
		{Root: "/exp/Xword", Size: 4, Iter: 0},
		{Root: "/exp/Xword", Size: 4, Iter: 2},
	} {
		assert.True(t, store.Exists(k), "missing %v", k)
	}
}

func TestGrowMixturesSplitsIntoNewRoot(t *testing.T) {
	loop, fake, store := newLoop(t)
	start := seed(t, store, artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 8})

	final, err := loop.GrowMixtures(context.Background(), start, data(8), "/exp/phone.mlf", "/exp/mono.list", GrowParams{
		Root:         "/exp/Mono_mixup",
		Schedule:     []int{2, 4},
		ItersPerStep: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, artifact.Key{Root: "/exp/Mono_mixup", Size: 4, Iter: 1}, final.Key)

	var splits int
	for _, op := range fake.Ops() {
		if op == "Split" {
			splits++
		}
	}
	assert.Equal(t, 2, splits)
}

func TestGrowMixturesVarFloorAtFirstSplit(t *testing.T) {
	loop, fake, store := newLoop(t)
	start := seed(t, store, artifact.Key{Root: "/exp/Xword", Size: 1, Iter: 7})

	_, err := loop.GrowMixtures(context.Background(), start, data(4), "/exp/tri.mlf", "/exp/tied.list", GrowParams{
		Root:             "/exp/Xword",
		Schedule:         []int{2, 4},
		ItersPerStep:     1,
		VarFloorAtSize:   2,
		VarFloorFraction: 0.01,
	})
	require.NoError(t, err)

	var splitDetails []string
	for _, call := range fake.Calls() {
		if call.Op == "Split" {
			splitDetails = append(splitDetails, call.Detail)
		}
	}
	require.Len(t, splitDetails, 2)
	assert.Contains(t, splitDetails[0], "varfloor=true", "variance floor is re-estimated at the first split")
	assert.Contains(t, splitDetails[1], "varfloor=false")
}

func TestGrowMixturesSingleEntrySchedule(t *testing.T) {
	loop, fake, store := newLoop(t)
	start := seed(t, store, artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 0})

	final, err := loop.GrowMixtures(context.Background(), start, data(4), "/exp/phone.mlf", "/exp/mono.list", GrowParams{
		Root:         "/exp/Mono",
		Schedule:     []int{1},
		ItersPerStep: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, artifact.Key{Root: "/exp/Mono", Size: 1, Iter: 3}, final.Key)
	for _, op := range fake.Ops() {
		assert.NotEqual(t, "Split", op, "single-entry schedule at the current size is pure re-estimation")
	}
}
