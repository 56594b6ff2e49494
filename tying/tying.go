// Package tying clusters context-dependent model states into tied
// equivalence classes using a phonetic decision tree. The clustering itself
// is an engine operation; this package validates its inputs and outputs and
// owns the resulting TiedStateMap.
package tying

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/spokenlab/amtrain/artifact"
	"github.com/spokenlab/amtrain/engine"
	"github.com/spokenlab/amtrain/errors"
)

// A cluster whose supporting-data occupancy falls below this is treated as
// having no data: the requested context order cannot be trained.
const minClusterOccupancy = 1e-3

// Map is the tied-state map: every context-dependent state of the input
// inventory has exactly one cluster assignment. A new tying run produces a
// new Map; an existing one is never patched.
type Map struct {
	Clusters map[string]string
	TiedList []string
}

// StateID names one context-dependent state the way cluster maps do.
func StateID(triphone string, state int) string {
	return fmt.Sprintf("%s.state[%d]", triphone, state)
}

// Write persists the map, sorted by state for reproducible output.
func (m Map) Write(fs afero.Fs, path string) error {
	states := make([]string, 0, len(m.Clusters))
	for state := range m.Clusters {
		states = append(states, state)
	}
	sort.Strings(states)

	var b strings.Builder
	for _, state := range states {
		b.WriteString(state)
		b.WriteByte(' ')
		b.WriteString(m.Clusters[state])
		b.WriteByte('\n')
	}
	return errors.WrapfOrNil(afero.WriteFile(fs, path, []byte(b.String()), 0644), "writing tied-state map %s", path)
}

// ReadQuestions loads and validates the tree-question file: every
// non-comment line must be a QS entry naming a context set.
func ReadQuestions(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening tree questions %s", path)
	}
	defer f.Close()

	var questions []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !strings.HasPrefix(text, "QS ") {
			return nil, errors.Errorf("tree questions %s line %d: expected QS entry, got %q", path, line, text)
		}
		questions = append(questions, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading tree questions %s", path)
	}
	if len(questions) == 0 {
		return nil, errors.Errorf("tree questions %s: no questions found", path)
	}
	return questions, nil
}

// Params carries everything one tying run needs.
type Params struct {
	PhoneList        []string
	TriphoneList     []string
	QuestionFile     string
	States           int
	OutlierThreshold float64
	TieThreshold     float64
}

// Tyer runs tying against one engine and store.
type Tyer struct {
	Store  *artifact.Store
	Engine engine.Engine
}

// Tie clusters the seed snapshot's states, writing the re-tied model into a
// new snapshot at out. Tying is deterministic: identical inputs and
// thresholds produce the same map. An input state missing from the returned
// clustering, or a cluster with no supporting data, is fatal.
func (t Tyer) Tie(ctx context.Context, seed artifact.Snapshot, out artifact.Key, p Params) (Map, artifact.Snapshot, error) {
	if _, err := ReadQuestions(t.Store.Fs(), p.QuestionFile); err != nil {
		return Map{}, artifact.Snapshot{}, err
	}

	outDir, err := t.Store.CreateDir(out)
	if err != nil {
		return Map{}, artifact.Snapshot{}, err
	}

	res, err := t.Engine.Tie(ctx, engine.TieRequest{
		ModelDir:         seed.Dir(),
		OutDir:           outDir,
		PhoneList:        p.PhoneList,
		TriphoneList:     p.TriphoneList,
		QuestionFile:     p.QuestionFile,
		States:           p.States,
		OutlierThreshold: p.OutlierThreshold,
		TieThreshold:     p.TieThreshold,
	})
	if err != nil {
		return Map{}, artifact.Snapshot{}, errors.Wrapf(err, "tying states in %s", outDir)
	}

	for _, tri := range p.TriphoneList {
		for state := 2; state < 2+p.States; state++ {
			id := StateID(tri, state)
			if _, ok := res.Clusters[id]; !ok {
				return Map{}, artifact.Snapshot{}, errors.Errorf("tying left state %s unmapped", id)
			}
		}
	}
	for cluster, occ := range res.Occupancy {
		if occ < minClusterOccupancy {
			return Map{}, artifact.Snapshot{}, errors.Errorf(
				"cluster %s has no supporting data (occupancy %g): insufficient training data for the requested context order", cluster, occ)
		}
	}

	m := Map{Clusters: res.Clusters, TiedList: res.TiedList}
	return m, artifact.Snapshot{Key: out}, nil
}
