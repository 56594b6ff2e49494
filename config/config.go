// Package config defines the typed training configuration. The whole schema
// is validated once at load time so a missing or malformed setting fails the
// run before any stage executes.
package config

import (
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/spokenlab/amtrain/errors"
)

// Config is the full configuration for one training run.
type Config struct {
	Paths    Paths    `yaml:"paths"`
	Settings Settings `yaml:"settings"`
	Pipeline Pipeline `yaml:"pipeline"`
	HMM      HMM      `yaml:"hmm"`
	FrontEnd FrontEnd `yaml:"frontend"`
	Training Training `yaml:"training"`
}

// Paths locates the experiment tree and its external inputs.
type Paths struct {
	Experiment    string `yaml:"experiment"`
	Data          string `yaml:"data"`
	Dictionary    string `yaml:"dictionary"`
	TreeQuestions string `yaml:"tree_questions"`
	Manifest      string `yaml:"manifest"`
}

// Settings controls dispatch and verbosity.
type Settings struct {
	Local         bool     `yaml:"local"`
	Jobs          int      `yaml:"jobs"`
	Verbose       int      `yaml:"verbose"`
	SubmitCommand string   `yaml:"submit_command"`
	PollInterval  Duration `yaml:"poll_interval"`
}

// Pipeline holds the stage-enable flags, one per stage, in pipeline order.
type Pipeline struct {
	Clean          bool `yaml:"clean"`
	Coding         bool `yaml:"coding"`
	LexiconLM      bool `yaml:"lexicon_lm"`
	FlatStart      bool `yaml:"flat_start"`
	MixupMono      bool `yaml:"mixup_mono"`
	MixdownMono    bool `yaml:"mixdown_mono"`
	MonoToTri      bool `yaml:"mono_to_tri"`
	MixupTri       bool `yaml:"mixup_tri"`
	AlignXword     bool `yaml:"align_xword"`
	TriFromAlign   bool `yaml:"tri_from_align"`
	MixupTri2      bool `yaml:"mixup_tri2"`
	Diagonalize    bool `yaml:"diagonalize"`
	Discriminative bool `yaml:"discriminative"`
}

// HMM holds model-shape parameters.
type HMM struct {
	States               int     `yaml:"states"`
	TriphoneStates       int     `yaml:"triphone_states"`
	TreeOutlierThreshold float64 `yaml:"tree_outlier_threshold"`
	TreeTieThreshold     float64 `yaml:"tree_tie_threshold"`
}

// FrontEnd holds feature-extraction parameters, passed through to the coding
// stage's engine configuration.
type FrontEnd struct {
	NumCepstra    int  `yaml:"num_cepstra"`
	UseC0         bool `yaml:"use_c0"`
	UseDeltas     bool `yaml:"use_deltas"`
	UseDDeltas    bool `yaml:"use_ddeltas"`
	MeanNorm      bool `yaml:"mean_norm"`
	FrameLengthMS int  `yaml:"frame_length_ms"`
	DeltaWindow   int  `yaml:"delta_window"`
}

// Training holds iteration counts and mixture-growth schedules.
type Training struct {
	VarianceFloorFraction float64 `yaml:"variance_floor_fraction"`
	LMOrder               int     `yaml:"lm_order"`
	InitialMonoIters      int     `yaml:"initial_mono_iters"`
	MonoIters             int     `yaml:"mono_iters"`
	MonoMixupSchedule     []int   `yaml:"mono_mixup_schedule"`
	InitialTriIters       int     `yaml:"initial_tri_iters"`
	TriIters              int     `yaml:"tri_iters"`
	TriMixupSchedule      []int   `yaml:"tri_mixup_schedule"`
	TriItersPerSplit      int     `yaml:"tri_iters_per_split"`
	MMIIters              int     `yaml:"mmi_iters"`
}

// Duration unmarshals from a YAML string like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns a config with the settings that have sensible defaults
// filled in; paths and stage flags always come from the file.
func Default() Config {
	return Config{
		Settings: Settings{
			Local:        true,
			Jobs:         1,
			PollInterval: Duration(10 * time.Second),
		},
		HMM: HMM{
			States:               3,
			TriphoneStates:       3,
			TreeOutlierThreshold: 200,
			TreeTieThreshold:     750,
		},
		FrontEnd: FrontEnd{
			NumCepstra:    12,
			UseC0:         true,
			UseDeltas:     true,
			UseDDeltas:    true,
			MeanNorm:      true,
			FrameLengthMS: 25,
			DeltaWindow:   2,
		},
		Training: Training{
			VarianceFloorFraction: 0.01,
			LMOrder:               3,
			InitialMonoIters:      4,
			MonoIters:             4,
			InitialTriIters:       2,
			TriIters:              4,
			TriItersPerSplit:      4,
			MMIIters:              12,
		},
	}
}

// Load reads and validates a config file.
func Load(fs afero.Fs, path string) (Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates config bytes.
func Parse(data []byte) (Config, error) {
	conf := Default()
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config")
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// Save writes the config back out, used for the per-run provenance copy in
// the experiment directory.
func (c Config) Save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "marshaling config")
	}
	return afero.WriteFile(fs, path, data, 0644)
}

// Validate checks the whole schema. It returns the first problem found; all
// failures here are configuration errors, fatal before any stage runs.
func (c Config) Validate() error {
	required := []struct {
		name, val string
	}{
		{"paths.experiment", c.Paths.Experiment},
		{"paths.data", c.Paths.Data},
		{"paths.dictionary", c.Paths.Dictionary},
		{"paths.manifest", c.Paths.Manifest},
	}
	for _, r := range required {
		if r.val == "" {
			return errors.Errorf("config: %s is required", r.name)
		}
	}
	if (c.Pipeline.MonoToTri || c.Pipeline.TriFromAlign) && c.Paths.TreeQuestions == "" {
		return errors.Errorf("config: paths.tree_questions is required when a tying stage is enabled")
	}

	if c.Settings.Jobs < 1 {
		return errors.Errorf("config: settings.jobs must be >= 1, got %d", c.Settings.Jobs)
	}
	if !c.Settings.Local && c.Settings.SubmitCommand == "" {
		return errors.Errorf("config: settings.submit_command is required when settings.local is false")
	}

	if c.HMM.States < 1 || c.HMM.TriphoneStates < 1 {
		return errors.Errorf("config: hmm state counts must be >= 1")
	}
	if c.HMM.TreeOutlierThreshold <= 0 || c.HMM.TreeTieThreshold <= 0 {
		return errors.Errorf("config: tree thresholds must be > 0")
	}

	if c.Training.VarianceFloorFraction <= 0 || c.Training.VarianceFloorFraction >= 1 {
		return errors.Errorf("config: training.variance_floor_fraction must be in (0, 1)")
	}
	counts := []struct {
		name string
		val  int
	}{
		{"initial_mono_iters", c.Training.InitialMonoIters},
		{"mono_iters", c.Training.MonoIters},
		{"initial_tri_iters", c.Training.InitialTriIters},
		{"tri_iters", c.Training.TriIters},
		{"tri_iters_per_split", c.Training.TriItersPerSplit},
	}
	for _, ct := range counts {
		if ct.val < 1 {
			return errors.Errorf("config: training.%s must be >= 1, got %d", ct.name, ct.val)
		}
	}
	if c.Pipeline.Discriminative && c.Training.MMIIters < 1 {
		return errors.Errorf("config: training.mmi_iters must be >= 1 when discriminative is enabled")
	}

	if c.Pipeline.MixupMono {
		if err := validSchedule("mono_mixup_schedule", c.Training.MonoMixupSchedule); err != nil {
			return err
		}
	}
	if c.Pipeline.MixupTri || c.Pipeline.MixupTri2 {
		if err := validSchedule("tri_mixup_schedule", c.Training.TriMixupSchedule); err != nil {
			return err
		}
	}
	return nil
}

func validSchedule(name string, schedule []int) error {
	if len(schedule) == 0 {
		return errors.Errorf("config: training.%s must not be empty", name)
	}
	prev := 0
	for _, size := range schedule {
		if size < 1 {
			return errors.Errorf("config: training.%s entries must be >= 1", name)
		}
		if size < prev {
			return errors.Errorf("config: training.%s must be non-decreasing, got %v", name, schedule)
		}
		prev = size
	}
	return nil
}
