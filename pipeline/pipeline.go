// Package pipeline is the top-level controller: it executes the enabled
// training stages strictly in their fixed total order, threading artifact
// locations from each stage to the next. A disabled stage is trusted to have
// produced its artifacts in a previous run; the driver resolves the same
// paths either way and any missing file surfaces when a later stage reads it.
package pipeline

import (
	"context"

	"github.com/spokenlab/amtrain/config"
)

// StageName identifies one pipeline stage.
type StageName string

// The stages, in their fixed total order. The clean reset is not a stage: it
// is applied once at startup before any stage body runs.
const (
	Coding         StageName = "coding"
	LexiconLM      StageName = "lexicon_lm"
	FlatStart      StageName = "flat_start"
	MixupMono      StageName = "mixup_mono"
	MixdownMono    StageName = "mixdown_mono"
	MonoToTri      StageName = "mono_to_tri"
	MixupTri       StageName = "mixup_tri"
	AlignXword     StageName = "align_xword"
	TriFromAlign   StageName = "tri_from_align"
	MixupTri2      StageName = "mixup_tri2"
	Diagonalize    StageName = "diagonalize"
	Discriminative StageName = "discriminative"
)

// State is the per-stage lifecycle. There is no skipped-but-verified state:
// a disabled stage simply stays pending.
type State int

// Stage states.
const (
	Pending State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// stage couples a name to its enable flag and body.
type stage struct {
	name    StageName
	title   string // log banner, e.g. "CODING"
	enabled func(config.Pipeline) bool
	run     func(d *Driver, ctx context.Context, rc *RunContext) error
}

// stages returns the fixed total order. A stage never reads an artifact
// produced by a stage later in this slice.
func stages() []stage {
	return []stage{
		{Coding, "CODING", func(p config.Pipeline) bool { return p.Coding }, (*Driver).runCoding},
		{LexiconLM, "MLF/LM/DICT", func(p config.Pipeline) bool { return p.LexiconLM }, (*Driver).runLexiconLM},
		{FlatStart, "FLAT START", func(p config.Pipeline) bool { return p.FlatStart }, (*Driver).runFlatStart},
		{MixupMono, "MIXUP MONO", func(p config.Pipeline) bool { return p.MixupMono }, (*Driver).runMixupMono},
		{MixdownMono, "MIXDOWN MONO", func(p config.Pipeline) bool { return p.MixdownMono }, (*Driver).runMixdownMono},
		{MonoToTri, "MONO TO TRI", func(p config.Pipeline) bool { return p.MonoToTri }, (*Driver).runMonoToTri},
		{MixupTri, "MIXUP TRI", func(p config.Pipeline) bool { return p.MixupTri }, (*Driver).runMixupTri},
		{AlignXword, "XWORD ALIGN", func(p config.Pipeline) bool { return p.AlignXword }, (*Driver).runAlignXword},
		{TriFromAlign, "MONO TO TRI FROM XWORD", func(p config.Pipeline) bool { return p.TriFromAlign }, (*Driver).runTriFromAlign},
		{MixupTri2, "MIXUP TRI 2", func(p config.Pipeline) bool { return p.MixupTri2 }, (*Driver).runMixupTri2},
		{Diagonalize, "DIAG", func(p config.Pipeline) bool { return p.Diagonalize }, (*Driver).runDiagonalize},
		{Discriminative, "DISCRIM", func(p config.Pipeline) bool { return p.Discriminative }, (*Driver).runDiscriminative},
	}
}

// Order returns the stage names in their fixed total order.
func Order() []StageName {
	all := stages()
	names := make([]StageName, len(all))
	for i, s := range all {
		names[i] = s.name
	}
	return names
}

// RunContext carries the mutable artifact pointers threaded through stage
// bodies: which list/label files are current and where the shared training
// files live. It is passed explicitly rather than held as ambient state.
type RunContext struct {
	// shared files under the experiment root
	MfcList    string
	WordMLF    string
	PhoneMLF   string
	TriMLF     string
	PhoneList  string
	TriList    string
	TiedList   string
	HTKDict    string
	TrainDict  string
	DecodeDict string
	ProtoHMM   string
	MFCConfig  string
	LM         string
	MMILM      string

	// loaded inventories, populated as stages produce them
	Phones     []string
	Triphones  []string
	TiedPhones []string
}
