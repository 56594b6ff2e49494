// Package engine defines the external acoustic-modeling collaborator. The
// orchestrator treats estimation, alignment, mixture splitting, tying, and
// lattice work as opaque operations: each call names its input model
// directory and data, and produces a new model directory or report. The real
// implementation shells out to the toolkit binaries; tests substitute Fake.
package engine

import "context"

// Engine is the collaborator interface. Every call is synchronous: it returns
// once the external invocation has completed and its outputs are on disk.
type Engine interface {
	// Code converts one partition of raw audio into feature files.
	Code(ctx context.Context, req CodeRequest) (CodeResult, error)
	// BuildLM estimates a language model from training transcriptions.
	BuildLM(ctx context.Context, req LMRequest) (LMResult, error)
	// Initialize flat-starts a prototype model from coded features,
	// estimating the global variance floor.
	Initialize(ctx context.Context, req InitRequest) (InitResult, error)
	// Estimate accumulates re-estimation statistics for one data partition.
	Estimate(ctx context.Context, req EstimateRequest) (EstimateResult, error)
	// Combine merges accumulators into a re-estimated model directory.
	Combine(ctx context.Context, req CombineRequest) (CombineResult, error)
	// Align produces aligned labels for one data partition.
	Align(ctx context.Context, req AlignRequest) (AlignResult, error)
	// Clone copies monophone models to a context-dependent inventory.
	Clone(ctx context.Context, req CloneRequest) error
	// Split adjusts a model's mixture count to the target size; targets
	// below the current size mix the model back down.
	Split(ctx context.Context, req SplitRequest) error
	// Tie clusters context-dependent states with a phonetic decision tree.
	Tie(ctx context.Context, req TieRequest) (TieResult, error)
	// Diagonalize applies a diagonalizing transform to a model.
	Diagonalize(ctx context.Context, req DiagRequest) (DiagResult, error)
	// Lattice runs one lattice-processing step for discriminative training.
	Lattice(ctx context.Context, req LatticeRequest) error
	// EstimateMMI runs one iteration of lattice-based discriminative
	// re-estimation, writing a new model directory.
	EstimateMMI(ctx context.Context, req MMIRequest) error
}

// CodeRequest converts one partition of audio sources to feature files.
type CodeRequest struct {
	ConfigFile string
	// Pairs are "source target" lines: raw audio path and the feature file
	// to produce.
	Pairs  []string
	OutDir string
}

// CodeResult reports the feature files written.
type CodeResult struct {
	Written []string
}

// LMRequest estimates an n-gram language model.
type LMRequest struct {
	WordLabels string
	Vocab      string
	WorkDir    string
	OutLM      string
	Order      int
	// TargetPPLRatio > 0 requests a weakened model, used by the
	// discriminative stage.
	TargetPPLRatio int
}

// LMResult reports training-set perplexity.
type LMResult struct {
	Perplexity float64
}

// InitRequest flat-starts per-phone models from a prototype.
type InitRequest struct {
	ProtoFile        string
	DataFiles        []string
	PhoneList        []string
	OutDir           string
	VarFloorFraction float64
}

// InitResult reports how many feature files fed the variance floor.
type InitResult struct {
	FilesUsed int
}

// EstimateRequest names one partition's worth of estimation work.
type EstimateRequest struct {
	ModelDir  string   // snapshot being re-estimated
	DataFiles []string // feature files for this partition
	LabelFile string   // label file (phone/tri mlf)
	LabelList string   // model list the labels draw from
	AccumOut  string   // partition-indexed accumulator output path
	ExtraArgs []string // stage-specific flags (e.g. two-model re-estimation)
}

// EstimateResult reports the partition's accumulated statistics.
type EstimateResult struct {
	AccumFile    string
	Frames       int64
	TotalLogProb float64
}

// CombineRequest merges accumulators into a new model.
type CombineRequest struct {
	ModelDir   string
	AccumFiles []string
	LabelList  string
	OutDir     string
}

// CombineResult reports the re-estimated model's likelihood.
type CombineResult struct {
	LikPerFrame float64
}

// AlignRequest names one partition's worth of forced alignment.
type AlignRequest struct {
	ModelDir   string
	DataFiles  []string
	WordLabels string
	Dictionary string
	LabelList  string
	ConfigFile string
	OutLabels  string // partition-indexed output label file
}

// AlignResult reports the alignment outputs. Utterances the aligner dropped
// (no path through the model) are absent from Kept.
type AlignResult struct {
	OutLabels string
	Kept      []string
}

// CloneRequest copies each monophone model to every triphone built on it.
type CloneRequest struct {
	ModelDir     string
	OutDir       string
	PhoneList    []string
	TriphoneList []string
}

// SplitRequest grows mixtures up to TargetSize.
type SplitRequest struct {
	ModelDir         string
	OutDir           string
	LabelList        string
	TargetSize       int
	EstimateVarFloor bool
	VarFloorFraction float64
}

// TieRequest clusters triphone states using tree questions.
type TieRequest struct {
	ModelDir         string
	OutDir           string
	PhoneList        []string
	TriphoneList     []string
	QuestionFile     string
	States           int
	OutlierThreshold float64
	TieThreshold     float64
}

// TieResult maps each context-dependent state to its cluster and reports the
// supporting-data occupancy per cluster.
type TieResult struct {
	Clusters  map[string]string
	Occupancy map[string]float64
	TiedList  []string
}

// DiagRequest applies the diagonalizing transform.
type DiagRequest struct {
	ModelDir  string
	OutDir    string
	LabelFile string
	LabelList string
	MixSize   int
}

// DiagResult reports the transformed model's likelihood.
type DiagResult struct {
	LikPerFrame float64
}

// LatticeOp selects a lattice-processing step.
type LatticeOp int

// Lattice ops, in the order the discriminative stage runs them.
const (
	LatticeDecode LatticeOp = iota
	LatticePrune
	LatticePhonemark
	LatticeAddLM
	LatticeNumerator
)

// LatticeRequest runs one lattice-processing step.
type LatticeRequest struct {
	Op         LatticeOp
	ModelDir   string
	InDir      string
	OutDir     string
	LM         string
	Dictionary string
	LabelList  string
	WordLabels string
	DataList   string
}

// MMIRequest runs one discriminative re-estimation iteration.
type MMIRequest struct {
	ModelDir      string
	OutDir        string
	NumLatticeDir string
	DenLatticeDir string
	LabelList     string
	DataList      string
	MixSize       int
}
