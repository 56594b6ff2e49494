package pipeline

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokenlab/amtrain/config"
)

func TestTargetKind(t *testing.T) {
	fe := config.Default().FrontEnd
	assert.Equal(t, "MFCC_0_D_A_Z", targetKind(fe))

	fe.MeanNorm = false
	fe.UseDDeltas = false
	assert.Equal(t, "MFCC_0_D", targetKind(fe))
}

func TestVectorSize(t *testing.T) {
	fe := config.Default().FrontEnd
	// 12 cepstra + c0, with deltas and accelerations
	assert.Equal(t, 39, vectorSize(fe))
}

func TestNormalizeDictFoldsVariants(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := ";;; header comment\n" +
		"read r iy d\n" +
		"read(2) r eh d\n" +
		"\n" +
		"a ah\n"
	require.NoError(t, afero.WriteFile(fs, "/dict.raw", []byte(raw), 0644))

	prons, phones, err := normalizeDict(fs, "/dict.raw", "/dict")
	require.NoError(t, err)
	assert.Len(t, prons["read"], 2)
	assert.Len(t, prons["a"], 1)
	assert.Equal(t, []string{"ah", "d", "eh", "iy", "r"}, phones)

	out, err := afero.ReadFile(fs, "/dict")
	require.NoError(t, err)
	assert.Equal(t, "a ah\nread r iy d\nread r eh d\n", string(out))
}

func TestMLFRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	entries := []mlfEntry{
		{ID: "utt000", Labels: []string{"hello", "world"}},
		{ID: "utt001", Labels: []string{"again"}},
	}
	require.NoError(t, writeMLF(fs, "/words.mlf", entries))

	got, err := readMLF(fs, "/words.mlf")
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestReadMLFDropsTimeColumns(t *testing.T) {
	fs := afero.NewMemMapFs()
	aligned := "#!MLF!#\n" +
		"\"*/utt000.rec\"\n" +
		"0 1200000 sil -312.4\n" +
		"1200000 2600000 hh -501.0\n" +
		".\n"
	require.NoError(t, afero.WriteFile(fs, "/aligned.mlf", []byte(aligned), 0644))

	got, err := readMLF(fs, "/aligned.mlf")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "utt000", got[0].ID)
	assert.Equal(t, []string{"sil", "hh"}, got[0].Labels)
}

func TestWordToPhoneMLF(t *testing.T) {
	fs := afero.NewMemMapFs()
	prons := map[string][][]string{
		"hello": {{"hh", "ah"}},
		"world": {{"w", "er"}},
	}
	require.NoError(t, writeMLF(fs, "/words.mlf", []mlfEntry{
		{ID: "utt000", Labels: []string{"hello", "world"}},
	}))

	phones, err := wordToPhoneMLF(fs, "/words.mlf", prons, "/phone.mlf", "/mono.list")
	require.NoError(t, err)
	assert.Equal(t, []string{"ah", "er", "hh", "sil", "w"}, phones)

	got, err := readMLF(fs, "/phone.mlf")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"sil", "hh", "ah", "w", "er", "sil"}, got[0].Labels)
}

func TestWordToPhoneMLFUnknownWord(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, writeMLF(fs, "/words.mlf", []mlfEntry{
		{ID: "utt000", Labels: []string{"mystery"}},
	}))

	_, err := wordToPhoneMLF(fs, "/words.mlf", map[string][][]string{}, "/phone.mlf", "/mono.list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestPhoneToTriMLF(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, writeMLF(fs, "/phone.mlf", []mlfEntry{
		{ID: "utt000", Labels: []string{"sil", "hh", "ah", "w", "sil"}},
	}))

	tris, err := phoneToTriMLF(fs, "/phone.mlf", "/tri.mlf", "/tri.list")
	require.NoError(t, err)

	got, err := readMLF(fs, "/tri.mlf")
	require.NoError(t, err)
	require.Len(t, got, 1)
	// silence stays context independent; internal phones carry both contexts
	assert.Equal(t, []string{"sil", "hh+ah", "hh-ah+w", "ah-w", "sil"}, got[0].Labels)
	assert.Contains(t, tris, "hh-ah+w")
	assert.Contains(t, tris, "sil")
}

func TestTriToMonoMLF(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, writeMLF(fs, "/tri.mlf", []mlfEntry{
		{ID: "utt000", Labels: []string{"sil", "hh+ah", "hh-ah+w", "ah-w", "sil"}},
	}))

	require.NoError(t, triToMonoMLF(fs, "/tri.mlf", "/phone.mlf"))
	got, err := readMLF(fs, "/phone.mlf")
	require.NoError(t, err)
	assert.Equal(t, []string{"sil", "hh", "ah", "w", "sil"}, got[0].Labels)
}

func TestMergeMLFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, writeMLF(fs, "/a.mlf", []mlfEntry{{ID: "utt000", Labels: []string{"sil"}}}))
	require.NoError(t, writeMLF(fs, "/b.mlf", []mlfEntry{{ID: "utt001", Labels: []string{"sil"}}}))

	require.NoError(t, mergeMLFs(fs, []string{"/a.mlf", "/b.mlf"}, "/merged.mlf"))
	got, err := readMLF(fs, "/merged.mlf")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "utt000", got[0].ID)
	assert.Equal(t, "utt001", got[1].ID)
}
