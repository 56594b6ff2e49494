package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLikPerFrame(t *testing.T) {
	out := []byte(`Pruning-On[250.0 150.0 1000.0]
 Reestimation complete - average log prob per frame = -75.1592
`)
	lik, err := parseLikPerFrame(out)
	require.NoError(t, err)
	assert.InDelta(t, -75.1592, lik, 1e-9)

	_, err = parseLikPerFrame([]byte("ERROR [+8520] no tokens survived\n"))
	require.Error(t, err)
}

func TestParseAccumStats(t *testing.T) {
	out := []byte(`accumulating
frames processed: 182311
total log prob: -13708211.25
`)
	frames, logProb, err := parseAccumStats(out)
	require.NoError(t, err)
	assert.EqualValues(t, 182311, frames)
	assert.InDelta(t, -13708211.25, logProb, 1e-6)

	_, _, err = parseAccumStats([]byte("frames processed: 5\n"))
	require.Error(t, err, "both values are required")
}

func TestParsePerplexity(t *testing.T) {
	out := []byte("0 zeroprobs, logprob= -35622.4 ppl= 118.324 ppl1= 195.2\n")
	ppl, err := parsePerplexity(out)
	require.NoError(t, err)
	assert.InDelta(t, 118.324, ppl, 1e-9)
}

func TestParseMLFEntries(t *testing.T) {
	mlf := `#!MLF!#
"*/sw02001a.lab"
sil
ay
.
"*/sw02001b.rec"
sil
.
`
	assert.Equal(t, []string{"sw02001a", "sw02001b"}, parseMLFEntries(mlf))
}
