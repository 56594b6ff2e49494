package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/spokenlab/amtrain/artifact"
	"github.com/spokenlab/amtrain/dispatch"
	"github.com/spokenlab/amtrain/engine"
	"github.com/spokenlab/amtrain/errors"
	"github.com/spokenlab/amtrain/manifest"
	"github.com/spokenlab/amtrain/refine"
)

// runCoding converts every manifest utterance's audio into a feature file
// under Coding/ and writes mfc.list in manifest order.
func (d *Driver) runCoding(ctx context.Context, rc *RunContext) error {
	utts, err := d.utterances()
	if err != nil {
		return err
	}
	outDir, err := d.store.CreateStageRoot(codingRoot)
	if err != nil {
		return err
	}
	if err := writeFrontEndConfig(d.store.Fs(), rc.MFCConfig, d.conf.FrontEnd); err != nil {
		return err
	}

	pairs := make([]string, len(utts))
	targets := make([]string, len(utts))
	for i, u := range utts {
		targets[i] = filepath.Join(outDir, u.ID()+".mfc")
		pairs[i] = u.Audio + " " + targets[i]
	}

	_, err = d.dispatcher.Run(ctx, pairs, func(ctx context.Context, p dispatch.Partition) (dispatch.PartResult, error) {
		res, err := d.engine.Code(ctx, engine.CodeRequest{
			ConfigFile: rc.MFCConfig,
			Pairs:      p.Items,
			OutDir:     outDir,
		})
		if err != nil {
			return dispatch.PartResult{}, err
		}
		return dispatch.PartResult{Files: res.Written}, nil
	})
	if err != nil {
		return err
	}

	if err := manifest.WriteList(d.store.Fs(), rc.MfcList, targets); err != nil {
		return err
	}
	d.backup(rc.MfcList, "mfc.list.original")
	d.log.Printf("coded [%s] audio files into [%s]", humanize.Comma(int64(len(targets))), outDir)
	return nil
}

// runLexiconLM normalizes the published dictionary, builds the word-level
// label file from the transcripts, filters the feature list down to
// utterances the dictionary fully covers, expands words to phone labels, and
// estimates the language model.
func (d *Driver) runLexiconLM(ctx context.Context, rc *RunContext) error {
	fs := d.store.Fs()
	prons, _, err := normalizeDict(fs, d.conf.Paths.Dictionary, rc.HTKDict)
	if err != nil {
		return err
	}

	utts, err := d.utterances()
	if err != nil {
		return err
	}

	var entries []mlfEntry
	kept := map[string]bool{}
	wordSet := map[string]bool{}
	dropped := 0
	for _, u := range utts {
		words, err := readTranscript(fs, u.Transcript)
		if err != nil {
			return err
		}
		covered := true
		for _, w := range words {
			if _, ok := prons[w]; !ok {
				covered = false
				break
			}
		}
		if !covered {
			dropped++
			continue
		}
		kept[u.ID()] = true
		for _, w := range words {
			wordSet[w] = true
		}
		entries = append(entries, mlfEntry{ID: u.ID(), Labels: words})
	}
	if len(entries) == 0 {
		return errors.Errorf("dictionary %s covers no training utterances", d.conf.Paths.Dictionary)
	}
	if err := writeMLF(fs, rc.WordMLF, entries); err != nil {
		return err
	}
	d.log.Printf("kept [%s] of [%s] utterances after dictionary filtering",
		humanize.Comma(int64(len(entries))), humanize.Comma(int64(len(utts))))

	if err := d.filterFeatureList(rc, kept); err != nil {
		return err
	}
	d.backup(rc.MfcList, "mfc.list.filtered.by.dict")

	words := make([]string, 0, len(wordSet))
	for w := range wordSet {
		words = append(words, w)
	}
	if _, err := writeDict(fs, rc.TrainDict, prons, words, true); err != nil {
		return err
	}
	if _, err := writeDict(fs, rc.DecodeDict, prons, words, false); err != nil {
		return err
	}

	phones, err := wordToPhoneMLF(fs, rc.WordMLF, prons, rc.PhoneMLF, rc.PhoneList)
	if err != nil {
		return err
	}
	rc.Phones = phones

	lmDir, err := d.store.CreateStageRoot(lmRoot)
	if err != nil {
		return err
	}
	res, err := d.engine.BuildLM(ctx, engine.LMRequest{
		WordLabels: rc.WordMLF,
		Vocab:      rc.DecodeDict,
		WorkDir:    lmDir,
		OutLM:      rc.LM,
		Order:      d.conf.Training.LMOrder,
	})
	if err != nil {
		return err
	}
	d.log.Printf("built LM over [%s] words ppl [%1.2f]", humanize.Comma(int64(len(words))), res.Perplexity)
	return nil
}

// runFlatStart builds the first monophone models: initialize from a flat
// prototype, refine, realign the training data against the new models, drop
// utterances with no alignment path, then refine again.
func (d *Driver) runFlatStart(ctx context.Context, rc *RunContext) error {
	fs := d.store.Fs()
	phones, err := d.phones(rc)
	if err != nil {
		return err
	}
	data, err := d.mfcFiles(rc)
	if err != nil {
		return err
	}

	if _, err := d.store.CreateStageRoot(monoRoot); err != nil {
		return err
	}
	if err := writeProtoHMM(fs, rc.ProtoHMM, d.conf.FrontEnd, d.conf.HMM.States); err != nil {
		return err
	}

	seed := artifact.Key{Root: d.root(monoRoot), Size: 1, Iter: 0}
	seedDir, err := d.store.CreateDir(seed)
	if err != nil {
		return err
	}
	init, err := d.engine.Initialize(ctx, engine.InitRequest{
		ProtoFile:        rc.ProtoHMM,
		DataFiles:        data,
		PhoneList:        phones,
		OutDir:           seedDir,
		VarFloorFraction: d.conf.Training.VarianceFloorFraction,
	})
	if err != nil {
		return err
	}
	d.log.Printf("flat-started [%d] phones from [%s] files in [%s]", len(phones), humanize.Comma(int64(init.FilesUsed)), seedDir)

	t := d.conf.Training
	cur, err := d.loop.Iterate(ctx, artifact.Snapshot{Key: seed}, data, rc.PhoneMLF, rc.PhoneList, t.InitialMonoIters, nil)
	if err != nil {
		return err
	}

	keptIDs, err := d.alignPass(ctx, rc, cur.Dir(), rc.TrainDict, rc.PhoneList, rc.PhoneMLF)
	if err != nil {
		return err
	}
	if err := d.filterFeatureList(rc, idSet(keptIDs)); err != nil {
		return err
	}
	data, err = d.mfcFiles(rc)
	if err != nil {
		return err
	}

	_, err = d.loop.Iterate(ctx, cur, data, rc.PhoneMLF, rc.PhoneList, t.MonoIters, nil)
	return err
}

// runMixupMono grows the monophone models through the configured mixture
// schedule under Mono_mixup.
func (d *Driver) runMixupMono(ctx context.Context, rc *RunContext) error {
	data, err := d.mfcFiles(rc)
	if err != nil {
		return err
	}
	if _, err := d.store.CreateStageRoot(mixupMonoRoot); err != nil {
		return err
	}

	t := d.conf.Training
	start := artifact.Snapshot{Key: artifact.Key{Root: d.root(monoRoot), Size: 1, Iter: t.InitialMonoIters + t.MonoIters}}
	_, err = d.loop.GrowMixtures(ctx, start, data, rc.PhoneMLF, rc.PhoneList, refine.GrowParams{
		Root:         d.root(mixupMonoRoot),
		Schedule:     t.MonoMixupSchedule,
		ItersPerStep: t.MonoIters,
	})
	return err
}

// runMixdownMono collapses the grown monophones back to single gaussians.
// The mixed-down models seed the triphone stages: the larger mixtures only
// existed to get better alignments.
func (d *Driver) runMixdownMono(ctx context.Context, rc *RunContext) error {
	if _, err := d.store.CreateStageRoot(mixdownMonoRoot); err != nil {
		return err
	}
	out := artifact.Key{Root: d.root(mixdownMonoRoot), Size: 1, Iter: 0}
	outDir, err := d.store.CreateDir(out)
	if err != nil {
		return err
	}
	err = d.engine.Split(ctx, engine.SplitRequest{
		ModelDir:   d.monoMixupFinalKey().Path(),
		OutDir:     outDir,
		LabelList:  rc.PhoneList,
		TargetSize: 1,
	})
	if err != nil {
		return err
	}
	d.log.Printf("mixed down to [1] in [%s]", outDir)
	return nil
}

// monoMixupFinalKey resolves the last grown monophone snapshot, falling back
// to the flat-start models when the mixup stage is not in the enabled set.
func (d *Driver) monoMixupFinalKey() artifact.Key {
	t := d.conf.Training
	if d.conf.Pipeline.MixupMono {
		size := t.MonoMixupSchedule[len(t.MonoMixupSchedule)-1]
		return artifact.Key{Root: d.root(mixupMonoRoot), Size: size, Iter: t.MonoIters}
	}
	return artifact.Key{Root: d.root(monoRoot), Size: 1, Iter: t.InitialMonoIters + t.MonoIters}
}

// alignPass force-aligns the current feature list against a model, fanning
// partitions out through the dispatcher, and merges the partition label
// files into outMLF. It returns the utterance IDs the aligner kept.
func (d *Driver) alignPass(ctx context.Context, rc *RunContext, modelDir, dict, labelList, outMLF string) ([]string, error) {
	fs := d.store.Fs()
	data, err := d.mfcFiles(rc)
	if err != nil {
		return nil, err
	}
	alignConf := d.exp("align_config")
	if err := writeAlignConfig(fs, alignConf, targetKind(d.conf.FrontEnd)); err != nil {
		return nil, err
	}

	partLabels := func(i int) string {
		return fmt.Sprintf("%s.part-%d", outMLF, i)
	}
	results, err := d.dispatcher.Run(ctx, data, func(ctx context.Context, p dispatch.Partition) (dispatch.PartResult, error) {
		res, err := d.engine.Align(ctx, engine.AlignRequest{
			ModelDir:   modelDir,
			DataFiles:  p.Items,
			WordLabels: rc.WordMLF,
			Dictionary: dict,
			LabelList:  labelList,
			ConfigFile: alignConf,
			OutLabels:  partLabels(p.Index),
		})
		if err != nil {
			return dispatch.PartResult{}, err
		}
		return dispatch.PartResult{Files: res.Kept}, nil
	})
	if err != nil {
		return nil, err
	}

	parts := make([]string, len(results))
	for i := range results {
		parts[i] = partLabels(i)
	}
	if err := mergeMLFs(fs, parts, outMLF); err != nil {
		return nil, err
	}
	kept := dispatch.MergeKept(results, func(r dispatch.PartResult) []string { return r.Files })
	d.log.Printf("aligned [%s] of [%s] utterances against [%s]",
		humanize.Comma(int64(len(kept))), humanize.Comma(int64(len(data))), modelDir)
	return kept, nil
}

// filterFeatureList rewrites mfc.list down to the utterances in keep,
// backing up the previous list first.
func (d *Driver) filterFeatureList(rc *RunContext, keep map[string]bool) error {
	files, err := d.mfcFiles(rc)
	if err != nil {
		return err
	}
	filtered := make([]string, 0, len(files))
	for _, f := range files {
		base := filepath.Base(f)
		id := strings.TrimSuffix(base, filepath.Ext(base))
		if keep[id] {
			filtered = append(filtered, f)
		}
	}
	if len(filtered) == len(files) {
		return nil
	}
	d.backup(rc.MfcList, "mfc.list.prev")
	return manifest.WriteList(d.store.Fs(), rc.MfcList, filtered)
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// readTranscript reads one utterance's reference transcription: whitespace
// separated words, possibly over multiple lines.
func readTranscript(fs afero.Fs, path string) ([]string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading transcript %s", path)
	}
	words := strings.Fields(string(data))
	if len(words) == 0 {
		return nil, errors.Errorf("transcript %s is empty", path)
	}
	return words, nil
}
