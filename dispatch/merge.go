package dispatch

import (
	"io"
	"os"
	"sort"

	"github.com/spf13/afero"

	"github.com/spokenlab/amtrain/errors"
)

// MergeStats accumulates partition statistics. Accumulation is commutative:
// the result is the same under any permutation of results (accumulator file
// paths come back sorted).
func MergeStats(results []PartResult) Stats {
	var merged Stats
	for _, res := range results {
		merged.Frames += res.Stats.Frames
		merged.TotalLogProb += res.Stats.TotalLogProb
		merged.AccumFiles = append(merged.AccumFiles, res.Stats.AccumFiles...)
	}
	sort.Strings(merged.AccumFiles)
	return merged
}

// MergeFiles concatenates every partition's produced files into out,
// preserving partition order — downstream indexing depends on the data-list
// order surviving the merge.
func MergeFiles(fs afero.Fs, results []PartResult, out string) error {
	ordered := make([]PartResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	dst, err := fs.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating merge target %s", out)
	}
	defer dst.Close()

	for _, res := range ordered {
		for _, path := range res.Files {
			src, err := fs.Open(path)
			if err != nil {
				return errors.Wrapf(err, "opening partition output %s", path)
			}
			_, err = io.Copy(dst, src)
			src.Close()
			if err != nil {
				return errors.Wrapf(err, "appending %s to %s", path, out)
			}
		}
	}
	return nil
}

// MergeKept flattens each partition's kept-item lists in partition order,
// used to rebuild a filtered data list after alignment drops utterances.
func MergeKept(results []PartResult, kept func(PartResult) []string) []string {
	ordered := make([]PartResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var all []string
	for _, res := range ordered {
		all = append(all, kept(res)...)
	}
	return all
}
