package engine

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/spokenlab/amtrain/errors"
)

var (
	likPerFrameRe  = regexp.MustCompile(`average log prob per frame\s*=\s*(-?[0-9]+(?:\.[0-9]+)?)`)
	framesRe       = regexp.MustCompile(`frames processed:\s*([0-9]+)`)
	totalLogProbRe = regexp.MustCompile(`total log prob:\s*(-?[0-9]+(?:\.[0-9]+)?)`)
	perplexityRe   = regexp.MustCompile(`ppl\s*=\s*([0-9]+(?:\.[0-9]+)?)`)
)

// parseLikPerFrame extracts the average log-likelihood-per-frame an
// estimation invocation reports. A missing value is a malformed-output
// engine failure.
func parseLikPerFrame(out []byte) (float64, error) {
	m := likPerFrameRe.FindSubmatch(out)
	if m == nil {
		return 0, errors.Errorf("engine output reports no log prob per frame")
	}
	return strconv.ParseFloat(string(m[1]), 64)
}

// parseAccumStats extracts the frame count and total log prob a partition
// estimation invocation reports.
func parseAccumStats(out []byte) (frames int64, totalLogProb float64, err error) {
	fm := framesRe.FindSubmatch(out)
	pm := totalLogProbRe.FindSubmatch(out)
	if fm == nil || pm == nil {
		return 0, 0, errors.Errorf("engine output reports no accumulator statistics")
	}
	frames, err = strconv.ParseInt(string(fm[1]), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	totalLogProb, err = strconv.ParseFloat(string(pm[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	return frames, totalLogProb, nil
}

// parsePerplexity extracts training-set perplexity from LM tool output.
func parsePerplexity(out []byte) (float64, error) {
	m := perplexityRe.FindSubmatch(out)
	if m == nil {
		return 0, errors.Errorf("LM output reports no perplexity")
	}
	return strconv.ParseFloat(string(m[1]), 64)
}

// parseMLFEntries lists the utterance IDs present in a master label file:
// every quoted header line like "*/sw02001a.lab" or "*/sw02001a.rec".
func parseMLFEntries(mlf string) []string {
	var ids []string
	scanner := bufio.NewScanner(strings.NewReader(mlf))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < 2 || line[0] != '"' || line[len(line)-1] != '"' {
			continue
		}
		name := strings.Trim(line, `"`)
		name = name[strings.LastIndexByte(name, '/')+1:]
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			name = name[:i]
		}
		if name != "" {
			ids = append(ids, name)
		}
	}
	return ids
}
