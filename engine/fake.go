package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Call records one Fake invocation for order assertions in tests.
type Call struct {
	Op     string
	Detail string
}

// Fake is an in-memory Engine for pipeline tests. It fabricates output files
// on the provided filesystem, returns deterministic likelihoods, and records
// every call in order. Hooks let a test inject failures for specific
// requests.
type Fake struct {
	Fs afero.Fs

	// EstimateErr, when set, is consulted per Estimate call; a non-nil
	// return fails that partition.
	EstimateErr func(req EstimateRequest) error
	// TieFn, when set, overrides the fabricated tie result.
	TieFn func(req TieRequest) (TieResult, error)

	mu       sync.Mutex
	calls    []Call
	combines int
}

// NewFake returns a Fake writing to an in-memory filesystem.
func NewFake() *Fake {
	return &Fake{Fs: afero.NewMemMapFs()}
}

// Calls returns the recorded call sequence.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Ops returns just the operation names, in call order.
func (f *Fake) Ops() []string {
	calls := f.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

func (f *Fake) record(op, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Detail: detail})
}

// Code implements Engine
func (f *Fake) Code(ctx context.Context, req CodeRequest) (CodeResult, error) {
	f.record("Code", fmt.Sprintf("%d files", len(req.Pairs)))
	written := make([]string, 0, len(req.Pairs))
	for _, pair := range req.Pairs {
		fields := strings.Fields(pair)
		target := fields[len(fields)-1]
		if err := afero.WriteFile(f.Fs, target, []byte("mfc"), 0644); err != nil {
			return CodeResult{}, err
		}
		written = append(written, target)
	}
	return CodeResult{Written: written}, nil
}

// BuildLM implements Engine
func (f *Fake) BuildLM(ctx context.Context, req LMRequest) (LMResult, error) {
	f.record("BuildLM", fmt.Sprintf("order %d", req.Order))
	if err := afero.WriteFile(f.Fs, req.OutLM, []byte("lm"), 0644); err != nil {
		return LMResult{}, err
	}
	ppl := 120.0
	if req.TargetPPLRatio > 0 {
		ppl *= float64(req.TargetPPLRatio)
	}
	return LMResult{Perplexity: ppl}, nil
}

// Initialize implements Engine
func (f *Fake) Initialize(ctx context.Context, req InitRequest) (InitResult, error) {
	f.record("Initialize", req.OutDir)
	if err := f.writeModel(req.OutDir); err != nil {
		return InitResult{}, err
	}
	return InitResult{FilesUsed: len(req.DataFiles)}, nil
}

// Estimate implements Engine
func (f *Fake) Estimate(ctx context.Context, req EstimateRequest) (EstimateResult, error) {
	f.record("Estimate", req.AccumOut)
	if f.EstimateErr != nil {
		if err := f.EstimateErr(req); err != nil {
			return EstimateResult{}, err
		}
	}
	if err := afero.WriteFile(f.Fs, req.AccumOut, []byte("acc"), 0644); err != nil {
		return EstimateResult{}, err
	}
	return EstimateResult{
		AccumFile:    req.AccumOut,
		Frames:       int64(100 * len(req.DataFiles)),
		TotalLogProb: -7500 * float64(len(req.DataFiles)),
	}, nil
}

// Combine implements Engine
func (f *Fake) Combine(ctx context.Context, req CombineRequest) (CombineResult, error) {
	f.record("Combine", req.OutDir)
	if err := f.writeModel(req.OutDir); err != nil {
		return CombineResult{}, err
	}
	f.mu.Lock()
	f.combines++
	// likelihood improves monotonically so tests can tell iterations apart
	lik := -100.0 + 0.5*float64(f.combines)
	f.mu.Unlock()
	return CombineResult{LikPerFrame: lik}, nil
}

// Align implements Engine
func (f *Fake) Align(ctx context.Context, req AlignRequest) (AlignResult, error) {
	f.record("Align", req.OutLabels)
	var b strings.Builder
	b.WriteString("#!MLF!#\n")
	kept := make([]string, 0, len(req.DataFiles))
	for _, df := range req.DataFiles {
		id := strings.TrimSuffix(filepath.Base(df), filepath.Ext(df))
		fmt.Fprintf(&b, "%q\nsil\n.\n", "*/"+id+".lab")
		kept = append(kept, id)
	}
	if err := afero.WriteFile(f.Fs, req.OutLabels, []byte(b.String()), 0644); err != nil {
		return AlignResult{}, err
	}
	return AlignResult{OutLabels: req.OutLabels, Kept: kept}, nil
}

// Clone implements Engine
func (f *Fake) Clone(ctx context.Context, req CloneRequest) error {
	f.record("Clone", req.OutDir)
	return f.writeModel(req.OutDir)
}

// Split implements Engine
func (f *Fake) Split(ctx context.Context, req SplitRequest) error {
	f.record("Split", fmt.Sprintf("%s -> %d varfloor=%t", req.OutDir, req.TargetSize, req.EstimateVarFloor))
	return f.writeModel(req.OutDir)
}

// Tie implements Engine
func (f *Fake) Tie(ctx context.Context, req TieRequest) (TieResult, error) {
	f.record("Tie", req.OutDir)
	if f.TieFn != nil {
		return f.TieFn(req)
	}
	res := TieResult{
		Clusters:  map[string]string{},
		Occupancy: map[string]float64{},
	}
	for _, tri := range req.TriphoneList {
		for state := 2; state < 2+req.States; state++ {
			id := fmt.Sprintf("%s.state[%d]", tri, state)
			cluster := fmt.Sprintf("ST_%s_%d", centerPhone(tri), state)
			res.Clusters[id] = cluster
			res.Occupancy[cluster] += 50
		}
	}
	seen := map[string]bool{}
	for _, cluster := range res.Clusters {
		if !seen[cluster] {
			seen[cluster] = true
			res.TiedList = append(res.TiedList, cluster)
		}
	}
	if err := f.writeModel(req.OutDir); err != nil {
		return TieResult{}, err
	}
	return res, nil
}

// Diagonalize implements Engine
func (f *Fake) Diagonalize(ctx context.Context, req DiagRequest) (DiagResult, error) {
	f.record("Diagonalize", req.OutDir)
	if err := f.writeModel(req.OutDir); err != nil {
		return DiagResult{}, err
	}
	return DiagResult{LikPerFrame: -80}, nil
}

// Lattice implements Engine
func (f *Fake) Lattice(ctx context.Context, req LatticeRequest) error {
	f.record("Lattice", fmt.Sprintf("op %d -> %s", req.Op, req.OutDir))
	return afero.WriteFile(f.Fs, filepath.Join(req.OutDir, "lattices"), []byte("lat"), 0644)
}

// EstimateMMI implements Engine
func (f *Fake) EstimateMMI(ctx context.Context, req MMIRequest) error {
	f.record("EstimateMMI", req.OutDir)
	return f.writeModel(req.OutDir)
}

func (f *Fake) writeModel(dir string) error {
	if err := f.Fs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return afero.WriteFile(f.Fs, filepath.Join(dir, "MMF"), []byte("model"), 0644)
}

func centerPhone(tri string) string {
	s := tri
	if i := strings.Index(s, "-"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "+"); i >= 0 {
		s = s[:i]
	}
	return s
}

var _ Engine = (*Fake)(nil)
var _ Engine = (*Toolkit)(nil)
