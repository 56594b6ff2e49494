package tying

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokenlab/amtrain/artifact"
	"github.com/spokenlab/amtrain/engine"
)

const questions = `QS "L_Stop" { p-*,b-*,t-*,d-*,k-*,g-* }
QS "R_Stop" { *+p,*+b,*+t,*+d,*+k,*+g }
QS "L_Vowel" { aa-*,ae-*,ah-* }
`

func newTyer(t *testing.T) (Tyer, *engine.Fake, artifact.Snapshot, Params) {
	t.Helper()
	fake := engine.NewFake()
	store := artifact.NewStore(fake.Fs, "/exp")
	require.NoError(t, store.EnsureFresh(false))
	require.NoError(t, afero.WriteFile(fake.Fs, "/corpus/tree_questions", []byte(questions), 0644))

	seedKey := artifact.Key{Root: "/exp/Xword", Size: 1, Iter: 3}
	_, err := store.CreateDir(seedKey)
	require.NoError(t, err)

	params := Params{
		PhoneList:        []string{"aa", "b", "t"},
		TriphoneList:     []string{"aa-b+t", "b-t+aa", "t-aa+b"},
		QuestionFile:     "/corpus/tree_questions",
		States:           3,
		OutlierThreshold: 200,
		TieThreshold:     750,
	}
	return Tyer{Store: store, Engine: fake}, fake, artifact.Snapshot{Key: seedKey}, params
}

func TestTieMapsEveryInputState(t *testing.T) {
	tyer, _, seed, params := newTyer(t)
	out := artifact.Key{Root: "/exp/Xword", Size: 1, Iter: 4}

	m, snap, err := tyer.Tie(context.Background(), seed, out, params)
	require.NoError(t, err)
	assert.Equal(t, out, snap.Key)

	for _, tri := range params.TriphoneList {
		for state := 2; state <= 4; state++ {
			_, ok := m.Clusters[StateID(tri, state)]
			assert.True(t, ok, "state %s must be mapped", StateID(tri, state))
		}
	}
	assert.NotEmpty(t, m.TiedList)
}

func TestTieDeterministic(t *testing.T) {
	tyer, _, seed, params := newTyer(t)

	m1, _, err := tyer.Tie(context.Background(), seed, artifact.Key{Root: "/exp/Xword", Size: 1, Iter: 4}, params)
	require.NoError(t, err)
	m2, _, err := tyer.Tie(context.Background(), seed, artifact.Key{Root: "/exp/Xword", Size: 1, Iter: 5}, params)
	require.NoError(t, err)

	assert.Equal(t, m1.Clusters, m2.Clusters, "identical inputs and thresholds must cluster identically")
}

func TestTieUnmappedStateIsFatal(t *testing.T) {
	tyer, fake, seed, params := newTyer(t)

	fake.TieFn = func(req engine.TieRequest) (engine.TieResult, error) {
		return engine.TieResult{
			Clusters:  map[string]string{StateID("aa-b+t", 2): "ST_b_2"},
			Occupancy: map[string]float64{"ST_b_2": 100},
			TiedList:  []string{"ST_b_2"},
		}, nil
	}
	_, _, err := tyer.Tie(context.Background(), seed, artifact.Key{Root: "/exp/Xword", Size: 1, Iter: 4}, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmapped")
}

func TestTieEmptyClusterIsFatal(t *testing.T) {
	tyer, fake, seed, params := newTyer(t)

	fake.TieFn = func(req engine.TieRequest) (engine.TieResult, error) {
		res := engine.TieResult{
			Clusters:  map[string]string{},
			Occupancy: map[string]float64{},
		}
		for _, tri := range req.TriphoneList {
			for state := 2; state < 2+req.States; state++ {
				res.Clusters[StateID(tri, state)] = "ST_all"
			}
		}
		res.Occupancy["ST_all"] = 0 // no supporting data
		res.TiedList = []string{"ST_all"}
		return res, nil
	}
	_, _, err := tyer.Tie(context.Background(), seed, artifact.Key{Root: "/exp/Xword", Size: 1, Iter: 4}, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient training data")
}

func TestReadQuestionsRejectsMalformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/qs", []byte("QS \"ok\" { a-* }\nTB 350\n"), 0644))
	_, err := ReadQuestions(fs, "/qs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestMapWriteSorted(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := Map{Clusters: map[string]string{
		"b-t+aa.state[2]": "ST_t_2",
		"aa-b+t.state[2]": "ST_b_2",
	}}
	require.NoError(t, m.Write(fs, "/exp/tied.map"))

	data, err := afero.ReadFile(fs, "/exp/tied.map")
	require.NoError(t, err)
	assert.Equal(t, "aa-b+t.state[2] ST_b_2\nb-t+aa.state[2] ST_t_2\n", string(data))
}
