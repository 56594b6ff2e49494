package pipeline

import (
	"context"
	"path/filepath"

	"github.com/spokenlab/amtrain/artifact"
	"github.com/spokenlab/amtrain/engine"
	"github.com/spokenlab/amtrain/errors"
	"github.com/spokenlab/amtrain/manifest"
	"github.com/spokenlab/amtrain/refine"
	"github.com/spokenlab/amtrain/tying"
)

// runMonoToTri builds the first cross-word triphone models: rewrite the
// phone labels as triphones, clone the final monophones onto the triphone
// inventory, refine, tie the states with the decision tree, and refine the
// tied models.
func (d *Driver) runMonoToTri(ctx context.Context, rc *RunContext) error {
	if _, err := d.store.CreateStageRoot(xwordRoot); err != nil {
		return err
	}
	return d.cloneTieRefine(ctx, rc, xwordRoot, d.conf.Training.InitialTriIters, nil)
}

// runMixupTri grows the tied triphone models through the mixture schedule in
// place under Xword. The variance floor is re-estimated at the first split.
func (d *Driver) runMixupTri(ctx context.Context, rc *RunContext) error {
	return d.growTri(ctx, rc, xwordRoot)
}

// runAlignXword realigns the full dictionary-filtered training set against
// the grown cross-word models. The alignment output is reduced back to
// monophone labels so the second triphone pass can rebuild its own context
// labels, and the feature list is filtered to the utterances that aligned.
func (d *Driver) runAlignXword(ctx context.Context, rc *RunContext) error {
	fs := d.store.Fs()
	if err := d.store.Restore("mfc.list.filtered.by.dict", rc.MfcList); err != nil {
		return errors.Wrapf(err, "restoring dictionary-filtered feature list")
	}

	aligned := d.exp("aligned.mlf")
	kept, err := d.alignPass(ctx, rc, d.xwordFinalKey().Path(), rc.TrainDict, rc.TiedList, aligned)
	if err != nil {
		return err
	}
	if err := triToMonoMLF(fs, aligned, rc.PhoneMLF); err != nil {
		return err
	}
	return d.filterFeatureList(rc, idSet(kept))
}

// runTriFromAlign repeats the monophone-to-triphone build on the realigned
// labels under Xword_1, re-estimating with the grown cross-word models as
// the alignment model.
func (d *Driver) runTriFromAlign(ctx context.Context, rc *RunContext) error {
	fs := d.store.Fs()
	if _, err := d.store.CreateStageRoot(xword1Root); err != nil {
		return err
	}

	twoModel := d.exp("two_model_config")
	if err := writeTwoModelConfig(fs, twoModel, d.xwordFinalKey().Path(), rc.TiedList); err != nil {
		return err
	}
	// a single two-model iteration: the grown cross-word models only
	// provide the alignment, the cloned models take over from there
	return d.cloneTieRefine(ctx, rc, xword1Root, 1, []string{"-C", twoModel})
}

// runMixupTri2 grows the second-pass triphone models under Xword_1.
func (d *Driver) runMixupTri2(ctx context.Context, rc *RunContext) error {
	return d.growTri(ctx, rc, xword1Root)
}

// runDiagonalize applies the diagonalizing transform to the final triphone
// models and refines the result under Diag.
func (d *Driver) runDiagonalize(ctx context.Context, rc *RunContext) error {
	data, err := d.mfcFiles(rc)
	if err != nil {
		return err
	}
	if _, err := d.store.CreateStageRoot(diagRoot); err != nil {
		return err
	}

	seed := d.triFinalKey()
	out := artifact.Key{Root: d.root(diagRoot), Size: seed.Size, Iter: 0}
	outDir, err := d.store.CreateDir(out)
	if err != nil {
		return err
	}
	res, err := d.engine.Diagonalize(ctx, engine.DiagRequest{
		ModelDir:  seed.Path(),
		OutDir:    outDir,
		LabelFile: rc.TriMLF,
		LabelList: rc.TiedList,
		MixSize:   seed.Size,
	})
	if err != nil {
		return err
	}
	d.log.Printf("diagonalized [%s] lik/fr [%1.4f]", outDir, res.LikPerFrame)

	_, err = d.loop.Iterate(ctx, artifact.Snapshot{Key: out}, data, rc.TriMLF, rc.TiedList, d.conf.Training.TriItersPerSplit, nil)
	return err
}

// runDiscriminative runs lattice-based discriminative training: build a
// weakened language model, decode and process denominator lattices, build
// numerator lattices from the references, then run the configured number of
// discriminative re-estimation iterations under MMI/.
func (d *Driver) runDiscriminative(ctx context.Context, rc *RunContext) error {
	data, err := d.mfcFiles(rc)
	if err != nil {
		return err
	}
	mmiDir, err := d.store.CreateStageRoot(mmiRoot)
	if err != nil {
		return err
	}

	// a strong LM would dominate the denominator lattices and leave the
	// acoustic model nothing to learn from
	lmRes, err := d.engine.BuildLM(ctx, engine.LMRequest{
		WordLabels:     rc.WordMLF,
		Vocab:          rc.DecodeDict,
		WorkDir:        mmiDir,
		OutLM:          rc.MMILM,
		Order:          weakLMOrder,
		TargetPPLRatio: weakLMPPLRatio,
	})
	if err != nil {
		return err
	}
	d.log.Printf("built weakened LM ppl [%1.2f]", lmRes.Perplexity)

	seed := d.discrimSeedKey()
	denDir, numDir, err := d.buildLattices(ctx, rc, mmiDir, seed.Path(), data)
	if err != nil {
		return err
	}

	cur := seed
	for i := 1; i <= d.conf.Training.MMIIters; i++ {
		next := artifact.Key{Root: d.root(mmiRoot), Size: seed.Size, Iter: i}
		outDir, err := d.store.CreateDir(next)
		if err != nil {
			return err
		}
		err = d.engine.EstimateMMI(ctx, engine.MMIRequest{
			ModelDir:      cur.Path(),
			OutDir:        outDir,
			NumLatticeDir: numDir,
			DenLatticeDir: denDir,
			LabelList:     rc.TiedList,
			DataList:      rc.MfcList,
			MixSize:       seed.Size,
		})
		if err != nil {
			return errors.Wrapf(err, "discriminative iteration %d", i)
		}
		d.log.Printf("ran an iteration of MMI in [%s]", outDir)
		cur = next
	}
	return nil
}

// Weak-LM parameters for denominator lattice generation.
const (
	weakLMOrder    = 2
	weakLMPPLRatio = 2
)

// buildLattices runs the lattice-processing pipeline: decode word lattices
// with the weak LM, prune them, phone-mark them against the seed model, fold
// the LM scores back in, and build numerator lattices from the reference
// labels. It returns the final denominator and numerator lattice dirs.
func (d *Driver) buildLattices(ctx context.Context, rc *RunContext, mmiDir, modelDir string, data []string) (string, string, error) {
	fs := d.store.Fs()
	dirs := map[string]string{}
	for _, name := range []string{"lat_raw", "lat_pruned", "lat_den", "lat_num"} {
		dir := filepath.Join(mmiDir, name)
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return "", "", errors.Wrapf(err, "creating lattice dir %s", dir)
		}
		dirs[name] = dir
	}

	steps := []struct {
		op     engine.LatticeOp
		in     string
		out    string
		banner string
	}{
		{engine.LatticeDecode, "", dirs["lat_raw"], "decoded denominator lattices"},
		{engine.LatticePrune, dirs["lat_raw"], dirs["lat_pruned"], "pruned denominator lattices"},
		{engine.LatticePhonemark, dirs["lat_pruned"], dirs["lat_den"], "phone-marked denominator lattices"},
		{engine.LatticeAddLM, dirs["lat_den"], dirs["lat_den"], "rescored denominator lattices"},
		{engine.LatticeNumerator, "", dirs["lat_num"], "built numerator lattices"},
	}
	for _, s := range steps {
		err := d.engine.Lattice(ctx, engine.LatticeRequest{
			Op:         s.op,
			ModelDir:   modelDir,
			InDir:      s.in,
			OutDir:     s.out,
			LM:         rc.MMILM,
			Dictionary: rc.DecodeDict,
			LabelList:  rc.TiedList,
			WordLabels: rc.WordMLF,
			DataList:   rc.MfcList,
		})
		if err != nil {
			return "", "", errors.Wrapf(err, "lattice step %d", s.op)
		}
		d.log.Printf("%s in [%s]", s.banner, s.out)
	}
	return dirs["lat_den"], dirs["lat_num"], nil
}

// cloneTieRefine is the shared body of the two triphone-build stages: clone
// the final monophones onto a fresh triphone inventory derived from the
// current phone labels, run initialIters pre-tie iterations (with the
// pass's extra re-estimation args), tie, write the tied-state artifacts,
// and refine the tied models without the extra args.
func (d *Driver) cloneTieRefine(ctx context.Context, rc *RunContext, rootName string, initialIters int, extraArgs []string) error {
	fs := d.store.Fs()
	phones, err := d.phones(rc)
	if err != nil {
		return err
	}
	tris, err := phoneToTriMLF(fs, rc.PhoneMLF, rc.TriMLF, rc.TriList)
	if err != nil {
		return err
	}
	rc.Triphones = tris
	data, err := d.mfcFiles(rc)
	if err != nil {
		return err
	}

	seed := artifact.Key{Root: d.root(rootName), Size: 1, Iter: 0}
	seedDir, err := d.store.CreateDir(seed)
	if err != nil {
		return err
	}
	err = d.engine.Clone(ctx, engine.CloneRequest{
		ModelDir:     d.monoFinalKey().Path(),
		OutDir:       seedDir,
		PhoneList:    phones,
		TriphoneList: tris,
	})
	if err != nil {
		return errors.Wrapf(err, "cloning monophones into %s", seedDir)
	}
	d.log.Printf("cloned [%d] phones onto [%d] triphones in [%s]", len(phones), len(tris), seedDir)

	t := d.conf.Training
	cur, err := d.loop.Iterate(ctx, artifact.Snapshot{Key: seed}, data, rc.TriMLF, rc.TriList, initialIters, extraArgs)
	if err != nil {
		return err
	}

	tied, snap, err := d.tyer.Tie(ctx, cur, cur.Key.Next(), tying.Params{
		PhoneList:        phones,
		TriphoneList:     tris,
		QuestionFile:     d.conf.Paths.TreeQuestions,
		States:           d.conf.HMM.TriphoneStates,
		OutlierThreshold: d.conf.HMM.TreeOutlierThreshold,
		TieThreshold:     d.conf.HMM.TreeTieThreshold,
	})
	if err != nil {
		return err
	}
	if err := manifest.WriteList(fs, rc.TiedList, tied.TiedList); err != nil {
		return err
	}
	if err := tied.Write(fs, d.exp("tied.map")); err != nil {
		return err
	}
	rc.TiedPhones = tied.TiedList
	d.log.Printf("tied [%d] triphone states into [%d] clusters", len(tied.Clusters), len(tied.TiedList))

	_, err = d.loop.Iterate(ctx, snap, data, rc.TriMLF, rc.TiedList, t.TriIters, nil)
	return err
}

// growTri grows a triphone stage root through the shared mixture schedule.
func (d *Driver) growTri(ctx context.Context, rc *RunContext, rootName string) error {
	data, err := d.mfcFiles(rc)
	if err != nil {
		return err
	}
	t := d.conf.Training
	start := artifact.Snapshot{Key: d.triSeedKey(rootName)}
	_, err = d.loop.GrowMixtures(ctx, start, data, rc.TriMLF, rc.TiedList, refine.GrowParams{
		Root:             d.root(rootName),
		Schedule:         t.TriMixupSchedule,
		ItersPerStep:     t.TriItersPerSplit,
		VarFloorAtSize:   2,
		VarFloorFraction: t.VarianceFloorFraction,
	})
	return err
}

// triSeedKey resolves the snapshot a triphone mixup stage starts from: the
// last tied-and-refined single-gaussian snapshot under the given root. The
// second pass runs a single pre-tie iteration, so its seed sits one
// iteration pattern earlier than the first pass's.
func (d *Driver) triSeedKey(rootName string) artifact.Key {
	t := d.conf.Training
	initial := t.InitialTriIters
	if rootName == xword1Root {
		initial = 1
	}
	return artifact.Key{Root: d.root(rootName), Size: 1, Iter: initial + 1 + t.TriIters}
}

// xwordFinalKey resolves the last grown first-pass cross-word snapshot.
func (d *Driver) xwordFinalKey() artifact.Key {
	t := d.conf.Training
	return artifact.Key{
		Root: d.root(xwordRoot),
		Size: t.TriMixupSchedule[len(t.TriMixupSchedule)-1],
		Iter: t.TriItersPerSplit,
	}
}
