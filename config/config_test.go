package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
paths:
  experiment: /exp/run1
  data: /exp/data
  dictionary: /corpus/dict
  tree_questions: /corpus/tree_questions
  manifest: /corpus/setup.gz
settings:
  local: true
  jobs: 4
  verbose: 1
pipeline:
  coding: true
  lexicon_lm: true
  flat_start: true
  mixup_mono: true
  mixdown_mono: true
  mono_to_tri: true
  mixup_tri: true
training:
  mono_mixup_schedule: [2, 4, 8]
  tri_mixup_schedule: [2, 4, 6, 12]
`

func TestParseValid(t *testing.T) {
	conf, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "/exp/run1", conf.Paths.Experiment)
	assert.Equal(t, 4, conf.Settings.Jobs)
	assert.True(t, conf.Pipeline.MixupTri)
	assert.False(t, conf.Pipeline.Discriminative)
	assert.Equal(t, []int{2, 4, 8}, conf.Training.MonoMixupSchedule)

	// defaults survive a partial file
	assert.Equal(t, 3, conf.HMM.States)
	assert.Equal(t, 4, conf.Training.MonoIters)
	assert.Equal(t, 12, conf.FrontEnd.NumCepstra)
	assert.Equal(t, Duration(10*time.Second), conf.Settings.PollInterval)
}

func TestMissingRequiredPath(t *testing.T) {
	_, err := Parse([]byte(`
paths:
  experiment: /exp/run1
  data: /exp/data
  manifest: /corpus/setup
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paths.dictionary")
}

func TestTreeQuestionsRequiredForTying(t *testing.T) {
	conf, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	conf.Paths.TreeQuestions = ""
	err = conf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tree_questions")
}

func TestScheduleMustBeNonDecreasing(t *testing.T) {
	conf, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	conf.Training.TriMixupSchedule = []int{2, 8, 4}
	err = conf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-decreasing")
}

func TestDistributedRequiresSubmitCommand(t *testing.T) {
	conf, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	conf.Settings.Local = false
	err = conf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit_command")
}

func TestDurationParsing(t *testing.T) {
	_, err := Parse([]byte(`
paths:
  experiment: /exp
  data: /data
  dictionary: /dict
  manifest: /setup
settings:
  jobs: 1
  poll_interval: bogus
`))
	require.Error(t, err)
}

func TestSingleEntryScheduleIsValid(t *testing.T) {
	conf, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	conf.Training.MonoMixupSchedule = []int{1}
	require.NoError(t, conf.Validate())
}
