package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spokenlab/amtrain/errors"
)

// Bins names the toolkit binaries. Defaults follow the HTK naming the
// training recipes were written against; sites with wrapper scripts override
// individual entries.
type Bins struct {
	HCopy      string
	HCompV     string
	HERest     string
	HVite      string
	HHEd       string
	HDecode    string
	HLRescore  string
	HMMIRest   string
	NGramCount string
	NGram      string
}

// DefaultBins returns the standard binary names.
func DefaultBins() Bins {
	return Bins{
		HCopy:      "HCopy",
		HCompV:     "HCompV",
		HERest:     "HERest",
		HVite:      "HVite",
		HHEd:       "HHEd",
		HDecode:    "HDecode",
		HLRescore:  "HLRescore",
		HMMIRest:   "HMMIRest",
		NGramCount: "ngram-count",
		NGram:      "ngram",
	}
}

// Toolkit is the production Engine: every operation is one external toolkit
// invocation, run through the configured Runner (local or cluster-submitted).
type Toolkit struct {
	runner Runner
	bins   Bins
}

// NewToolkit wraps a runner with the default binary names.
func NewToolkit(r Runner) *Toolkit {
	return &Toolkit{runner: r, bins: DefaultBins()}
}

// NewToolkitWithBins wraps a runner with explicit binary names.
func NewToolkitWithBins(r Runner, bins Bins) *Toolkit {
	return &Toolkit{runner: r, bins: bins}
}

// Code implements Engine
func (t *Toolkit) Code(ctx context.Context, req CodeRequest) (CodeResult, error) {
	script := filepath.Join(req.OutDir, "hcopy.scp")
	if err := writeLines(script, req.Pairs); err != nil {
		return CodeResult{}, err
	}
	_, err := t.runner.Run(ctx, req.OutDir, t.bins.HCopy, "-C", req.ConfigFile, "-S", script)
	if err != nil {
		return CodeResult{}, errors.Wrapf(err, "coding features")
	}

	written := make([]string, 0, len(req.Pairs))
	for _, pair := range req.Pairs {
		fields := strings.Fields(pair)
		target := fields[len(fields)-1]
		if _, statErr := os.Stat(target); statErr != nil {
			return CodeResult{}, errors.Errorf("coding reported success but %s is missing", target)
		}
		written = append(written, target)
	}
	return CodeResult{Written: written}, nil
}

// BuildLM implements Engine
func (t *Toolkit) BuildLM(ctx context.Context, req LMRequest) (LMResult, error) {
	args := []string{
		"-order", fmt.Sprintf("%d", req.Order),
		"-text", req.WordLabels,
		"-vocab", req.Vocab,
		"-lm", req.OutLM,
	}
	if req.TargetPPLRatio > 0 {
		args = append(args, "-prune-history-lm", fmt.Sprintf("%d", req.TargetPPLRatio))
	}
	if _, err := t.runner.Run(ctx, req.WorkDir, t.bins.NGramCount, args...); err != nil {
		return LMResult{}, errors.Wrapf(err, "estimating LM")
	}

	out, err := t.runner.Run(ctx, req.WorkDir, t.bins.NGram, "-lm", req.OutLM, "-ppl", req.WordLabels)
	if err != nil {
		return LMResult{}, errors.Wrapf(err, "scoring LM")
	}
	ppl, err := parsePerplexity(out)
	if err != nil {
		return LMResult{}, err
	}
	return LMResult{Perplexity: ppl}, nil
}

// Initialize implements Engine
func (t *Toolkit) Initialize(ctx context.Context, req InitRequest) (InitResult, error) {
	list := filepath.Join(req.OutDir, "init.scp")
	if err := writeLines(list, req.DataFiles); err != nil {
		return InitResult{}, err
	}
	phones := filepath.Join(req.OutDir, "init.phones")
	if err := writeLines(phones, req.PhoneList); err != nil {
		return InitResult{}, err
	}
	_, err := t.runner.Run(ctx, req.OutDir, t.bins.HCompV,
		"-f", fmt.Sprintf("%g", req.VarFloorFraction),
		"-S", list,
		"-M", req.OutDir,
		req.ProtoFile)
	if err != nil {
		return InitResult{}, errors.Wrapf(err, "flat-start initialization")
	}
	return InitResult{FilesUsed: len(req.DataFiles)}, nil
}

// Estimate implements Engine
func (t *Toolkit) Estimate(ctx context.Context, req EstimateRequest) (EstimateResult, error) {
	workDir := filepath.Dir(req.AccumOut)
	list := req.AccumOut + ".scp"
	if err := writeLines(list, req.DataFiles); err != nil {
		return EstimateResult{}, err
	}

	args := []string{
		"-d", req.ModelDir,
		"-S", list,
		"-I", req.LabelFile,
		"-p", filepath.Base(req.AccumOut),
	}
	args = append(args, req.ExtraArgs...)
	args = append(args, req.LabelList)
	out, err := t.runner.Run(ctx, workDir, t.bins.HERest, args...)
	if err != nil {
		return EstimateResult{}, errors.Wrapf(err, "accumulating statistics")
	}
	if _, err := os.Stat(req.AccumOut); err != nil {
		return EstimateResult{}, errors.Errorf("estimation reported success but accumulator %s is missing", req.AccumOut)
	}

	frames, totalLogProb, err := parseAccumStats(out)
	if err != nil {
		return EstimateResult{}, err
	}
	return EstimateResult{AccumFile: req.AccumOut, Frames: frames, TotalLogProb: totalLogProb}, nil
}

// Combine implements Engine
func (t *Toolkit) Combine(ctx context.Context, req CombineRequest) (CombineResult, error) {
	args := []string{
		"-d", req.ModelDir,
		"-M", req.OutDir,
		"-p", "0",
	}
	args = append(args, req.LabelList)
	args = append(args, req.AccumFiles...)
	out, err := t.runner.Run(ctx, req.OutDir, t.bins.HERest, args...)
	if err != nil {
		return CombineResult{}, errors.Wrapf(err, "combining accumulators")
	}
	lik, err := parseLikPerFrame(out)
	if err != nil {
		return CombineResult{}, err
	}
	return CombineResult{LikPerFrame: lik}, nil
}

// Align implements Engine
func (t *Toolkit) Align(ctx context.Context, req AlignRequest) (AlignResult, error) {
	workDir := filepath.Dir(req.OutLabels)
	list := req.OutLabels + ".scp"
	if err := writeLines(list, req.DataFiles); err != nil {
		return AlignResult{}, err
	}

	args := []string{
		"-a", "-m",
		"-d", req.ModelDir,
		"-S", list,
		"-I", req.WordLabels,
		"-i", req.OutLabels,
	}
	if req.ConfigFile != "" {
		args = append(args, "-C", req.ConfigFile)
	}
	args = append(args, req.Dictionary, req.LabelList)
	if _, err := t.runner.Run(ctx, workDir, t.bins.HVite, args...); err != nil {
		return AlignResult{}, errors.Wrapf(err, "forced alignment")
	}

	data, err := os.ReadFile(req.OutLabels)
	if err != nil {
		return AlignResult{}, errors.Errorf("alignment reported success but %s is missing", req.OutLabels)
	}
	return AlignResult{OutLabels: req.OutLabels, Kept: parseMLFEntries(string(data))}, nil
}

// Clone implements Engine
func (t *Toolkit) Clone(ctx context.Context, req CloneRequest) error {
	script := filepath.Join(req.OutDir, "clone.hed")
	triList := filepath.Join(req.OutDir, "clone.tri")
	if err := writeLines(triList, req.TriphoneList); err != nil {
		return err
	}
	if err := writeLines(script, []string{"CL " + triList}); err != nil {
		return err
	}
	phoneList := filepath.Join(req.OutDir, "clone.mono")
	if err := writeLines(phoneList, req.PhoneList); err != nil {
		return err
	}
	_, err := t.runner.Run(ctx, req.OutDir, t.bins.HHEd,
		"-d", req.ModelDir,
		"-M", req.OutDir,
		script, phoneList)
	return errors.WrapfOrNil(err, "cloning monophones to triphones")
}

// Split implements Engine
func (t *Toolkit) Split(ctx context.Context, req SplitRequest) error {
	script := filepath.Join(req.OutDir, "mix.hed")
	var cmds []string
	if req.EstimateVarFloor {
		cmds = append(cmds, fmt.Sprintf("LS %g", req.VarFloorFraction))
	}
	cmds = append(cmds, fmt.Sprintf("MU %d {*.state[2-4].mix}", req.TargetSize))
	if err := writeLines(script, cmds); err != nil {
		return err
	}
	listFile := filepath.Join(req.OutDir, "mix.list")
	if err := copyFile(req.LabelList, listFile); err != nil {
		return err
	}
	_, err := t.runner.Run(ctx, req.OutDir, t.bins.HHEd,
		"-d", req.ModelDir,
		"-M", req.OutDir,
		script, listFile)
	return errors.WrapfOrNil(err, "splitting mixtures to %d", req.TargetSize)
}

// Tie implements Engine
func (t *Toolkit) Tie(ctx context.Context, req TieRequest) (TieResult, error) {
	script := filepath.Join(req.OutDir, "tie.hed")
	cmds := []string{
		fmt.Sprintf("RO %g", req.OutlierThreshold),
		"LT " + req.QuestionFile,
	}
	for _, phone := range req.PhoneList {
		for state := 2; state < 2+req.States; state++ {
			cmds = append(cmds, fmt.Sprintf("TB %g %q {(*-%s+*,%s+*,*-%s).state[%d]}",
				req.TieThreshold, fmt.Sprintf("ST_%s_%d", phone, state), phone, phone, phone, state))
		}
	}
	cmds = append(cmds,
		"AU "+filepath.Join(req.OutDir, "tie.tri"),
		"CO "+filepath.Join(req.OutDir, "tiedlist"),
		"SM "+filepath.Join(req.OutDir, "tiedmap"),
	)
	if err := writeLines(script, cmds); err != nil {
		return TieResult{}, err
	}
	if err := writeLines(filepath.Join(req.OutDir, "tie.tri"), req.TriphoneList); err != nil {
		return TieResult{}, err
	}

	_, err := t.runner.Run(ctx, req.OutDir, t.bins.HHEd,
		"-d", req.ModelDir,
		"-M", req.OutDir,
		script, filepath.Join(req.OutDir, "tie.tri"))
	if err != nil {
		return TieResult{}, errors.Wrapf(err, "tying states")
	}

	return readTieOutputs(req.OutDir)
}

// readTieOutputs parses the cluster map and tied list the tie invocation
// leaves in its output directory. The map file carries one
// "<state> <cluster> <occupancy>" line per context-dependent state.
func readTieOutputs(outDir string) (TieResult, error) {
	mapData, err := os.ReadFile(filepath.Join(outDir, "tiedmap"))
	if err != nil {
		return TieResult{}, errors.Errorf("tying reported success but cluster map is missing in %s", outDir)
	}
	res := TieResult{
		Clusters:  map[string]string{},
		Occupancy: map[string]float64{},
	}
	for _, line := range strings.Split(string(mapData), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return TieResult{}, errors.Errorf("malformed cluster map line: %q", line)
		}
		var occ float64
		if _, err := fmt.Sscanf(fields[2], "%g", &occ); err != nil {
			return TieResult{}, errors.Errorf("malformed cluster occupancy: %q", line)
		}
		res.Clusters[fields[0]] = fields[1]
		res.Occupancy[fields[1]] += occ
	}

	listData, err := os.ReadFile(filepath.Join(outDir, "tiedlist"))
	if err != nil {
		return TieResult{}, errors.Errorf("tying reported success but tied list is missing in %s", outDir)
	}
	for _, line := range strings.Split(string(listData), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			res.TiedList = append(res.TiedList, line)
		}
	}
	return res, nil
}

// Diagonalize implements Engine
func (t *Toolkit) Diagonalize(ctx context.Context, req DiagRequest) (DiagResult, error) {
	script := filepath.Join(req.OutDir, "diag.hed")
	if err := writeLines(script, []string{"IT", fmt.Sprintf("PS %d", req.MixSize)}); err != nil {
		return DiagResult{}, err
	}
	out, err := t.runner.Run(ctx, req.OutDir, t.bins.HHEd,
		"-d", req.ModelDir,
		"-M", req.OutDir,
		script, req.LabelList)
	if err != nil {
		return DiagResult{}, errors.Wrapf(err, "diagonalizing")
	}
	lik, err := parseLikPerFrame(out)
	if err != nil {
		return DiagResult{}, err
	}
	return DiagResult{LikPerFrame: lik}, nil
}

// Lattice implements Engine
func (t *Toolkit) Lattice(ctx context.Context, req LatticeRequest) error {
	var name string
	var args []string
	switch req.Op {
	case LatticeDecode:
		name = t.bins.HDecode
		args = []string{"-d", req.ModelDir, "-S", req.DataList, "-w", req.LM, "-l", req.OutDir, req.Dictionary, req.LabelList}
	case LatticePrune:
		name = t.bins.HLRescore
		args = []string{"-m", "t", "-L", req.InDir, "-l", req.OutDir, req.Dictionary}
	case LatticePhonemark:
		name = t.bins.HDecode
		args = []string{"-d", req.ModelDir, "-S", req.DataList, "-w", req.LM, "-L", req.InDir, "-l", req.OutDir, "-o", "M", req.Dictionary, req.LabelList}
	case LatticeAddLM:
		name = t.bins.HLRescore
		args = []string{"-m", "m", "-n", req.LM, "-L", req.InDir, "-l", req.OutDir, req.Dictionary}
	case LatticeNumerator:
		name = t.bins.HLRescore
		args = []string{"-m", "n", "-n", req.LM, "-I", req.WordLabels, "-l", req.OutDir, req.Dictionary}
	default:
		return errors.Errorf("unknown lattice op %d", req.Op)
	}
	_, err := t.runner.Run(ctx, req.OutDir, name, args...)
	return errors.WrapfOrNil(err, "lattice step")
}

// EstimateMMI implements Engine
func (t *Toolkit) EstimateMMI(ctx context.Context, req MMIRequest) error {
	_, err := t.runner.Run(ctx, req.OutDir, t.bins.HMMIRest,
		"-d", req.ModelDir,
		"-M", req.OutDir,
		"-S", req.DataList,
		"-q", req.NumLatticeDir,
		"-r", req.DenLatticeDir,
		req.LabelList)
	return errors.WrapfOrNil(err, "discriminative re-estimation")
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "reading %s", src)
	}
	return errors.WrapfOrNil(os.WriteFile(dst, data, 0644), "writing %s", dst)
}
