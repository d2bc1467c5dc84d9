package config

import (
	"errors"
	"fmt"
	"os"
	"selfplay/cluster"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SELFPLAY_"

var ErrInvalidConfig = errors.New("invalid config")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

type Config struct {
	Cluster     cluster.Topology `yaml:"cluster"`
	Training    Training         `yaml:"training"`
	Evaluation  Evaluation       `yaml:"evaluation"`
	Coordinator Coordinator      `yaml:"coordinator"`
	Transport   Transport        `yaml:"transport"`
	Logging     Logging          `yaml:"logging"`
}

type Training struct {
	StepLimit         int64   `yaml:"step_limit" validate:"gt=0"`
	CheckpointEvery   int64   `yaml:"checkpoint_every" validate:"gt=0"`
	SearchDepth       int     `yaml:"search_depth" validate:"min=1,max=9"`
	LearningRate      float64 `yaml:"learning_rate" validate:"gt=0"`
	Lambda            float64 `yaml:"lambda" validate:"gte=0,lte=1"`
	Epsilon           float64 `yaml:"epsilon" validate:"gte=0,lte=1"`
	RandomOpeningProb float64 `yaml:"random_opening_prob" validate:"gte=0,lte=1"`
	HiddenUnits       int     `yaml:"hidden_units" validate:"gt=0"`
	Seed              uint64  `yaml:"seed"`
}

type Evaluation struct {
	Every        int64         `yaml:"every" validate:"gt=0"`
	GamesPerSide int           `yaml:"games_per_side" validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ReportDir    string        `yaml:"report_dir" validate:"required"`
}

type Coordinator struct {
	Stagger           time.Duration `yaml:"stagger" validate:"gte=0"`
	CheckpointDir     string        `yaml:"checkpoint_dir" validate:"required"`
	CheckpointBackend string        `yaml:"checkpoint_backend" validate:"oneof=file badger"`
	AllowFreshStart   bool          `yaml:"allow_fresh_start"`
	DrainTimeout      time.Duration `yaml:"drain_timeout" validate:"gt=0"`
}

type Transport struct {
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	Retry          Retry         `yaml:"retry"`
	BarrierTimeout time.Duration `yaml:"barrier_timeout" validate:"gt=0"`
}

type Retry struct {
	MaxAttempts     uint          `yaml:"max_attempts" validate:"gte=1"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxElapsed      time.Duration `yaml:"max_elapsed" validate:"gt=0"`
}

type Logging struct {
	Level   string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Console bool   `yaml:"console"`
}

func Default() Config {
	return Config{
		Cluster: cluster.Topology{
			ParameterHolders: []string{"127.0.0.1:7400"},
			Trainers:         []string{"127.0.0.1:7401", "127.0.0.1:7402", "127.0.0.1:7403"},
			Evaluators:       []string{"127.0.0.1:7404"},
		},
		Training: Training{
			StepLimit:         1000,
			CheckpointEvery:   100,
			SearchDepth:       1,
			LearningRate:      0.05,
			Lambda:            0.7,
			Epsilon:           0.1,
			RandomOpeningProb: 0.5,
			HiddenUnits:       100,
			Seed:              1,
		},
		Evaluation: Evaluation{
			Every:        100,
			GamesPerSide: 100,
			PollInterval: time.Second,
			ReportDir:    "reports",
		},
		Coordinator: Coordinator{
			Stagger:           2 * time.Second,
			CheckpointDir:     "checkpoints",
			CheckpointBackend: "file",
			DrainTimeout:      5 * time.Second,
		},
		Transport: Transport{
			RequestTimeout: 5 * time.Second,
			Retry: Retry{
				MaxAttempts:     5,
				InitialInterval: 100 * time.Millisecond,
				MaxElapsed:      10 * time.Second,
			},
			BarrierTimeout: 30 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads configuration with priority env > file > defaults. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
		// A cluster section replaces the default topology as a whole.
		var file struct {
			Cluster *cluster.Topology `yaml:"cluster"`
		}
		if err := yaml.Unmarshal(data, &file); err == nil && file.Cluster != nil {
			cfg.Cluster = *file.Cluster
		}
	}

	if err := loadFromEnv(&cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	// The holder's barrier starts first and has to outlast the staggered launch.
	if span := c.LaunchSpan(); c.Transport.BarrierTimeout <= span {
		return fmt.Errorf("%w: barrier_timeout %s does not cover the %s staggered launch", ErrInvalidConfig, c.Transport.BarrierTimeout, span)
	}
	return nil
}

// LaunchSpan is the time between the first and the last worker launch.
func (c Config) LaunchSpan() time.Duration {
	gaps := 0
	for _, n := range []int{len(c.Cluster.Trainers), len(c.Cluster.Evaluators)} {
		if n > 1 {
			gaps += n - 1
		}
	}
	return time.Duration(gaps) * c.Coordinator.Stagger
}

func loadFromEnv(cfg *Config) error {
	ints := map[string]*int64{
		"STEP_LIMIT":       &cfg.Training.StepLimit,
		"CHECKPOINT_EVERY": &cfg.Training.CheckpointEvery,
		"EVAL_EVERY":       &cfg.Evaluation.Every,
	}
	for name, dst := range ints {
		if v, ok := lookup(name); ok {
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return envError(name, err)
			}
			*dst = i
		}
	}

	if v, ok := lookup("SEARCH_DEPTH"); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return envError("SEARCH_DEPTH", err)
		}
		cfg.Training.SearchDepth = i
	}
	if v, ok := lookup("GAMES_PER_SIDE"); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return envError("GAMES_PER_SIDE", err)
		}
		cfg.Evaluation.GamesPerSide = i
	}
	if v, ok := lookup("SEED"); ok {
		i, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return envError("SEED", err)
		}
		cfg.Training.Seed = i
	}

	floats := map[string]*float64{
		"LEARNING_RATE":       &cfg.Training.LearningRate,
		"LAMBDA":              &cfg.Training.Lambda,
		"EPSILON":             &cfg.Training.Epsilon,
		"RANDOM_OPENING_PROB": &cfg.Training.RandomOpeningProb,
	}
	for name, dst := range floats {
		if v, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return envError(name, err)
			}
			*dst = f
		}
	}

	durations := map[string]*time.Duration{
		"STAGGER":         &cfg.Coordinator.Stagger,
		"DRAIN_TIMEOUT":   &cfg.Coordinator.DrainTimeout,
		"POLL_INTERVAL":   &cfg.Evaluation.PollInterval,
		"REQUEST_TIMEOUT": &cfg.Transport.RequestTimeout,
		"BARRIER_TIMEOUT": &cfg.Transport.BarrierTimeout,
	}
	for name, dst := range durations {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return envError(name, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("CHECKPOINT_DIR"); ok {
		cfg.Coordinator.CheckpointDir = v
	}
	if v, ok := lookup("CHECKPOINT_BACKEND"); ok {
		cfg.Coordinator.CheckpointBackend = v
	}
	if v, ok := lookup("REPORT_DIR"); ok {
		cfg.Evaluation.ReportDir = v
	}
	if v, ok := lookup("ALLOW_FRESH_START"); ok {
		cfg.Coordinator.AllowFreshStart = v == "true" || v == "1"
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookup("LOG_CONSOLE"); ok {
		cfg.Logging.Console = v == "true" || v == "1"
	}
	return nil
}

func lookup(name string) (string, bool) {
	v := os.Getenv(envPrefix + name)
	return v, v != ""
}

func envError(name string, err error) error {
	return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, envPrefix, name, err)
}

// Write saves cfg as YAML, used to hand the effective config to subprocesses.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
