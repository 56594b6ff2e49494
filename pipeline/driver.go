package pipeline

import (
	"context"
	"path/filepath"

	"github.com/spokenlab/amtrain/artifact"
	"github.com/spokenlab/amtrain/config"
	"github.com/spokenlab/amtrain/dispatch"
	"github.com/spokenlab/amtrain/engine"
	"github.com/spokenlab/amtrain/errors"
	"github.com/spokenlab/amtrain/explog"
	"github.com/spokenlab/amtrain/manifest"
	"github.com/spokenlab/amtrain/refine"
	"github.com/spokenlab/amtrain/tying"
)

// Stage root directory names under the experiment root. These names are the
// on-disk contract: a later run resolves a disabled stage's artifacts through
// them.
const (
	codingRoot      = "Coding"
	monoRoot        = "Mono"
	mixupMonoRoot   = "Mono_mixup"
	mixdownMonoRoot = "Mono_mixdown"
	xwordRoot       = "Xword"
	xword1Root      = "Xword_1"
	diagRoot        = "Diag"
	lmRoot          = "LM"
	mmiRoot         = "MMI"
)

// Driver executes the pipeline.
type Driver struct {
	conf   config.Config
	store  *artifact.Store
	engine engine.Engine
	log    *explog.Log

	loop       refine.Loop
	tyer       tying.Tyer
	dispatcher dispatch.Dispatcher

	states map[StageName]State
}

// New wires a driver from its collaborators.
func New(conf config.Config, store *artifact.Store, eng engine.Engine, log *explog.Log) *Driver {
	mode := dispatch.Local
	if !conf.Settings.Local {
		mode = dispatch.Distributed
	}
	d := &Driver{
		conf:   conf,
		store:  store,
		engine: eng,
		log:    log,
		dispatcher: dispatch.Dispatcher{
			Mode:        mode,
			Parallelism: conf.Settings.Jobs,
		},
		states: map[StageName]State{},
	}
	d.loop = refine.Loop{Store: store, Engine: eng, Dispatcher: d.dispatcher, Log: log}
	d.tyer = tying.Tyer{Store: store, Engine: eng}
	return d
}

// StageState reports a stage's lifecycle state.
func (d *Driver) StageState(name StageName) State {
	return d.states[name]
}

// Train executes every enabled stage in the fixed order. The first stage
// failure aborts the run; the experiment log's final entry names the failed
// stage, and whatever the stage had written stays in place for inspection.
func (d *Driver) Train(ctx context.Context) error {
	confCopy := d.exp("config.yaml")
	if err := d.conf.Save(d.store.Fs(), confCopy); err != nil {
		return errors.Wrapf(err, "copying config into experiment dir")
	}
	d.log.Printf("TRAINING with config [%s]", confCopy)

	rc := d.newRunContext()
	for _, s := range stages() {
		if !s.enabled(d.conf.Pipeline) {
			continue
		}
		d.states[s.name] = Running
		d.log.Printf("%s started", s.title)
		if err := s.run(d, ctx, rc); err != nil {
			d.states[s.name] = Failed
			d.log.Printf("%s failed: %v", s.title, err)
			return errors.Wrapf(err, "stage %s", s.name)
		}
		d.states[s.name] = Completed
		d.log.Printf("%s finished", s.title)
	}
	return nil
}

func (d *Driver) newRunContext() *RunContext {
	return &RunContext{
		MfcList:    d.exp("mfc.list"),
		WordMLF:    d.exp("words.mlf"),
		PhoneMLF:   d.exp("phone.mlf"),
		TriMLF:     d.exp("tri.mlf"),
		PhoneList:  d.exp("mono.list"),
		TriList:    d.exp("tri.list"),
		TiedList:   d.exp("tied.list"),
		HTKDict:    d.exp("dict"),
		TrainDict:  d.exp("train_dict"),
		DecodeDict: d.exp("decode_dict"),
		ProtoHMM:   d.exp("proto_hmm"),
		MFCConfig:  d.exp("mfc_config"),
		LM:         d.exp("lm"),
		MMILM:      d.exp("mmi_lm"),
	}
}

func (d *Driver) exp(parts ...string) string {
	return filepath.Join(append([]string{d.conf.Paths.Experiment}, parts...)...)
}

func (d *Driver) root(name string) string {
	return d.store.StageRoot(name)
}

// monoFinalKey resolves the final monophone snapshot. Which directory holds
// it depends on whether the mixdown stage is in the enabled set: the trust
// contract is that a disabled mixdown means the flat-start models are final.
func (d *Driver) monoFinalKey() artifact.Key {
	if d.conf.Pipeline.MixdownMono {
		return artifact.Key{Root: d.root(mixdownMonoRoot), Size: 1, Iter: 0}
	}
	t := d.conf.Training
	return artifact.Key{Root: d.root(monoRoot), Size: 1, Iter: t.InitialMonoIters + t.MonoIters}
}

// triFinalKey resolves the largest trained triphone snapshot, preferring the
// second cross-word pass when it ran.
func (d *Driver) triFinalKey() artifact.Key {
	t := d.conf.Training
	size := t.TriMixupSchedule[len(t.TriMixupSchedule)-1]
	root := xwordRoot
	if d.conf.Pipeline.MixupTri2 {
		root = xword1Root
	}
	return artifact.Key{Root: d.root(root), Size: size, Iter: t.TriItersPerSplit}
}

// discrimSeedKey resolves the model the discriminative stage starts from.
func (d *Driver) discrimSeedKey() artifact.Key {
	t := d.conf.Training
	size := t.TriMixupSchedule[len(t.TriMixupSchedule)-1]
	if d.conf.Pipeline.Diagonalize {
		return artifact.Key{Root: d.root(diagRoot), Size: size, Iter: t.TriItersPerSplit}
	}
	return d.triFinalKey()
}

// backup copies a shared file into misc/, logging and continuing on failure:
// backups preserve provenance but never abort a stage.
func (d *Driver) backup(src, name string) {
	if err := d.store.Backup(src, name); err != nil {
		d.log.Printf("backup of %s failed: %v", src, err)
	}
}

// utterances loads the manifest with relative entries anchored at the data
// directory.
func (d *Driver) utterances() ([]manifest.Utterance, error) {
	utts, err := manifest.Read(d.store.Fs(), d.conf.Paths.Manifest)
	if err != nil {
		return nil, err
	}
	for i := range utts {
		utts[i] = utts[i].Resolve(d.conf.Paths.Data)
	}
	return utts, nil
}

// phones returns the monophone inventory, loading it from the phone list
// file when an earlier run produced it.
func (d *Driver) phones(rc *RunContext) ([]string, error) {
	if len(rc.Phones) > 0 {
		return rc.Phones, nil
	}
	list, err := manifest.ReadList(d.store.Fs(), rc.PhoneList)
	if err != nil {
		return nil, errors.Wrapf(err, "loading phone inventory")
	}
	rc.Phones = list
	return list, nil
}

func (d *Driver) triphones(rc *RunContext) ([]string, error) {
	if len(rc.Triphones) > 0 {
		return rc.Triphones, nil
	}
	list, err := manifest.ReadList(d.store.Fs(), rc.TriList)
	if err != nil {
		return nil, errors.Wrapf(err, "loading triphone inventory")
	}
	rc.Triphones = list
	return list, nil
}

func (d *Driver) mfcFiles(rc *RunContext) ([]string, error) {
	files, err := manifest.ReadList(d.store.Fs(), rc.MfcList)
	if err != nil {
		return nil, errors.Wrapf(err, "loading feature list")
	}
	return files, nil
}
