package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/ember/internal/logits"
)

// Config is the ember configuration file. Pointer fields distinguish "not
// set" from zero values.
type Config struct {
	Model struct {
		Path      string `yaml:"path"`
		ModelsDir string `yaml:"models_dir"`
		MaxSeqLen *int64 `yaml:"max_seq_len"`
	} `yaml:"model"`

	Backend struct {
		Name           string `yaml:"name"`
		Workers        *int64 `yaml:"workers"`
		RMSNormMaxSize *int64 `yaml:"rms_norm_max_size"`
		SoftmaxMaxSize *int64 `yaml:"softmax_max_size"`
	} `yaml:"backend"`

	Server struct {
		Address       string         `yaml:"address"`
		MaxConcurrent *int64         `yaml:"max_concurrent"`
		MaxTokens     *int64         `yaml:"max_tokens"`
		ReadTimeout   *time.Duration `yaml:"read_timeout"`
		Trace         *bool          `yaml:"trace"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Sampling logits.Config `yaml:"sampling"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ember", "config.yaml")
}

// LoadConfig reads the config file. A missing default file yields a zero
// Config; a missing explicit file or a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Sampling.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: sampling: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the logging flags
// when they were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.Logging.Level != "" && !c.IsSet("log-level") {
		logLevel = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" && !c.IsSet("log-format") {
		logFormat = cfg.Logging.Format
	}
}

// applyModelConfig applies the model and backend sections.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model.Path != "" && !c.IsSet("model") {
		modelPath = cfg.Model.Path
	}
	if cfg.Model.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.Model.ModelsDir
	}
	if cfg.Model.MaxSeqLen != nil && !c.IsSet("max-seq-len") {
		maxSeqLen = *cfg.Model.MaxSeqLen
	}
	if cfg.Backend.Name != "" && !c.IsSet("backend") {
		backendName = cfg.Backend.Name
	}
	if cfg.Backend.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Backend.Workers
	}
	if cfg.Backend.RMSNormMaxSize != nil && !c.IsSet("rms-norm-max") {
		rmsNormMax = *cfg.Backend.RMSNormMaxSize
	}
	if cfg.Backend.SoftmaxMaxSize != nil && !c.IsSet("softmax-max") {
		softmaxMax = *cfg.Backend.SoftmaxMaxSize
	}
}

// applyServeConfig applies the server section.
func applyServeConfig(c *cli.Command, cfg Config, o *serveOptions) {
	if cfg.Server.Address != "" && !c.IsSet("addr") {
		o.addr = cfg.Server.Address
	}
	if cfg.Server.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		o.maxConcurrent = *cfg.Server.MaxConcurrent
	}
	if cfg.Server.MaxTokens != nil && !c.IsSet("max-tokens") {
		o.maxTokens = *cfg.Server.MaxTokens
	}
	if cfg.Server.ReadTimeout != nil && !c.IsSet("read-timeout") {
		o.readTimeout = *cfg.Server.ReadTimeout
	}
	if cfg.Server.Trace != nil && !c.IsSet("trace") {
		o.trace = *cfg.Server.Trace
	}
}

// applySamplingConfig fills sampling flags that were not set from the file.
func applySamplingConfig(c *cli.Command, cfg Config, s *samplingFlags) {
	f := cfg.Sampling
	if f.Temperature != 0 && !c.IsSet("temperature") {
		s.temperature = float64(f.Temperature)
	}
	if f.TopK != 0 && !c.IsSet("top-k") {
		s.topK = int64(f.TopK)
	}
	if f.TopP != 0 && !c.IsSet("top-p") {
		s.topP = float64(f.TopP)
	}
	if f.MinP != 0 && !c.IsSet("min-p") {
		s.minP = float64(f.MinP)
	}
	if f.RepeatPenalty != 0 && !c.IsSet("repeat-penalty") {
		s.repeatPenalty = float64(f.RepeatPenalty)
	}
	if f.Seed != 0 && !c.IsSet("seed") {
		s.seed = int64(f.Seed)
	}
	if f.RepeatLastN != 0 {
		s.repeatLastN = f.RepeatLastN
	}
}
