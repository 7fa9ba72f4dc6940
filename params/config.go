package params

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config collects every knob of the pipeline. Model and optimization
// fields are hyperparameters in the search sense; the runtime block is
// set from CLI flags only.
type Config struct {
	// Encoder dimensions (must match the pretrained weights when those
	// are loaded).
	DModel        int `mapstructure:"d_model" yaml:"d_model"`
	HiddenSize    int `mapstructure:"hidden_size" yaml:"hidden_size"`
	NumHeads      int `mapstructure:"num_heads" yaml:"num_heads"`
	EncoderLayers int `mapstructure:"encoder_layers" yaml:"encoder_layers"`
	VocabSize     int `mapstructure:"vocab_size" yaml:"vocab_size"`
	MaxSeqLen     int `mapstructure:"max_seq_len" yaml:"max_seq_len"`

	// Classifier head.
	ProjSize         int     `mapstructure:"proj_size" yaml:"proj_size"`
	Dropout          float64 `mapstructure:"dropout" yaml:"dropout"`
	ClassifierLayers int     `mapstructure:"classifier_layers" yaml:"classifier_layers"`

	// Optimization.
	LR          float64 `mapstructure:"lr" yaml:"lr"`
	LayerDecay  float64 `mapstructure:"layer_decay" yaml:"layer_decay"`
	WarmupSteps int     `mapstructure:"warmup_steps" yaml:"warmup_steps"`
	DecaySteps  int     `mapstructure:"decay_steps" yaml:"decay_steps"`
	AdamBeta1   float64 `mapstructure:"adam_beta1" yaml:"adam_beta1"`
	AdamBeta2   float64 `mapstructure:"adam_beta2" yaml:"adam_beta2"`
	AdamEps     float64 `mapstructure:"adam_eps" yaml:"adam_eps"`
	WeightDecay float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	GradClip    float64 `mapstructure:"grad_clip" yaml:"grad_clip"`
	BatchSize   int     `mapstructure:"batch_size" yaml:"batch_size"`
	MaxEpochs   int     `mapstructure:"max_epochs" yaml:"max_epochs"`
	Patience    int     `mapstructure:"patience" yaml:"patience"`
	Seed        int64   `mapstructure:"seed" yaml:"seed"`

	// Paths.
	TrainPath      string `mapstructure:"train_path" yaml:"train_path"`
	ValPath        string `mapstructure:"val_path" yaml:"val_path"`
	TestPath       string `mapstructure:"test_path" yaml:"test_path"`
	TokenizerPath  string `mapstructure:"tokenizer_path" yaml:"tokenizer_path"`
	PretrainedPath string `mapstructure:"pretrained_path" yaml:"pretrained_path"`
	RunDir         string `mapstructure:"run_dir" yaml:"run_dir"`

	// Runtime (flags, not searched).
	Devices   int    `mapstructure:"devices" yaml:"devices"`
	Precision int    `mapstructure:"precision" yaml:"precision"`
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Debug     bool   `mapstructure:"debug" yaml:"debug"`
}

// Defaults for small experiments; a pretrained encoder overrides the
// dimension fields on load.
func Default() Config {
	return Config{
		DModel:        256,
		HiddenSize:    512,
		NumHeads:      4, // dHead = DModel/NumHeads
		EncoderLayers: 4,
		VocabSize:     8192,
		MaxSeqLen:     64, // truncation cap per turn

		ProjSize:         128,
		Dropout:          0.1,
		ClassifierLayers: 2,

		LR:          2e-4,
		LayerDecay:  0.95,
		WarmupSteps: 200,
		DecaySteps:  20_000,
		AdamBeta1:   0.9,
		AdamBeta2:   0.999,
		AdamEps:     1e-8,
		WeightDecay: 0.01,
		GradClip:    1.0,
		BatchSize:   32,
		MaxEpochs:   10,
		Patience:    3,
		Seed:        42,

		TrainPath:      "data/train.txt",
		ValPath:        "data/dev.txt",
		TestPath:       "data/test.txt",
		TokenizerPath:  "data/tokenizer.json",
		PretrainedPath: "models/encoder.gob",
		RunDir:         "runs",

		Devices:   0,
		Precision: 32,
		Backend:   "gonum",
	}
}

// Load resolves the config from defaults, an optional YAML file and
// EMOTION_* environment variables, in increasing priority.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Default()

	v.SetDefault("d_model", def.DModel)
	v.SetDefault("hidden_size", def.HiddenSize)
	v.SetDefault("num_heads", def.NumHeads)
	v.SetDefault("encoder_layers", def.EncoderLayers)
	v.SetDefault("vocab_size", def.VocabSize)
	v.SetDefault("max_seq_len", def.MaxSeqLen)
	v.SetDefault("proj_size", def.ProjSize)
	v.SetDefault("dropout", def.Dropout)
	v.SetDefault("classifier_layers", def.ClassifierLayers)
	v.SetDefault("lr", def.LR)
	v.SetDefault("layer_decay", def.LayerDecay)
	v.SetDefault("warmup_steps", def.WarmupSteps)
	v.SetDefault("decay_steps", def.DecaySteps)
	v.SetDefault("adam_beta1", def.AdamBeta1)
	v.SetDefault("adam_beta2", def.AdamBeta2)
	v.SetDefault("adam_eps", def.AdamEps)
	v.SetDefault("weight_decay", def.WeightDecay)
	v.SetDefault("grad_clip", def.GradClip)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("max_epochs", def.MaxEpochs)
	v.SetDefault("patience", def.Patience)
	v.SetDefault("seed", def.Seed)
	v.SetDefault("train_path", def.TrainPath)
	v.SetDefault("val_path", def.ValPath)
	v.SetDefault("test_path", def.TestPath)
	v.SetDefault("tokenizer_path", def.TokenizerPath)
	v.SetDefault("pretrained_path", def.PretrainedPath)
	v.SetDefault("run_dir", def.RunDir)
	v.SetDefault("devices", def.Devices)
	v.SetDefault("precision", def.Precision)
	v.SetDefault("backend", def.Backend)
	v.SetDefault("debug", def.Debug)

	v.SetEnvPrefix("EMOTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the range constraints on hyperparameters.
func (c *Config) Validate() error {
	if c.Dropout < 0 || c.Dropout > 1 {
		return fmt.Errorf("config: dropout %.3f outside [0,1]", c.Dropout)
	}
	if c.LayerDecay <= 0 || c.LayerDecay > 1 {
		return fmt.Errorf("config: layer_decay %.3f outside (0,1]", c.LayerDecay)
	}
	if c.LR <= 0 {
		return fmt.Errorf("config: lr must be positive, got %g", c.LR)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.MaxSeqLen < 1 {
		return fmt.Errorf("config: max_seq_len must be >= 1, got %d", c.MaxSeqLen)
	}
	if c.MaxEpochs < 1 {
		return fmt.Errorf("config: max_epochs must be >= 1, got %d", c.MaxEpochs)
	}
	if c.ProjSize < 1 {
		return fmt.Errorf("config: proj_size must be >= 1, got %d", c.ProjSize)
	}
	if c.ClassifierLayers < 0 {
		return fmt.Errorf("config: classifier_layers must be >= 0, got %d", c.ClassifierLayers)
	}
	if c.DModel < 1 || c.HiddenSize < 1 || c.EncoderLayers < 1 {
		return fmt.Errorf("config: encoder dimensions must be positive")
	}
	if c.NumHeads < 1 || c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("config: num_heads %d must divide d_model %d", c.NumHeads, c.DModel)
	}
	if c.VocabSize < 8 {
		return fmt.Errorf("config: vocab_size must be >= 8, got %d", c.VocabSize)
	}
	if c.Precision != 32 && c.Precision != 64 {
		return fmt.Errorf("config: precision must be 32 or 64, got %d", c.Precision)
	}
	if c.Backend != "gonum" && c.Backend != "netlib" {
		return fmt.Errorf("config: backend must be gonum or netlib, got %q", c.Backend)
	}
	if c.Devices < 0 {
		return fmt.Errorf("config: devices must be >= 0, got %d", c.Devices)
	}
	return nil
}

// Save writes the resolved config as YAML, used to pin down run
// artifacts for reproducibility.
func Save(cfg Config, path string) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
