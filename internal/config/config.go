package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	InputDir        string
	OutputDir       string
	ScratchDir      string
	MaxProcesses    int
	MaxInFlightJobs int
	SettleInterval  time.Duration

	Artifact   ArtifactConfig
	Transcoder TranscoderConfig
	Engine     EngineConfig
	NATS       NATSConfig
	Mirror     MirrorConfig
	Metrics    MetricsConfig
	Log        LogConfig
}

type ArtifactConfig struct {
	Delimiter string
	Extension string
	ResultExt string
}

type TranscoderConfig struct {
	Candidates []string
	Timeout    time.Duration
}

type EngineConfig struct {
	Command string
	Workers int
	Timeout time.Duration
}

type NATSConfig struct {
	URL     string
	Subject string
}

// MirrorConfig enables copying converted artifacts to S3-compatible storage.
type MirrorConfig struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

func (m MirrorConfig) Enabled() bool { return m.Bucket != "" }

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

// DefaultTranscoderCandidates lists where the sp1-proof-to-json tool is looked
// for, in order: local build, system install, alternate build output.
var DefaultTranscoderCandidates = []string{
	"./target/release/sp1-proof-to-json",
	"/usr/local/bin/sp1-proof-to-json",
	"../target/release/sp1-proof-to-json",
}

// key -> environment variable
var envBindings = map[string]string{
	"input_dir":             "SAVED_PROOFS_DIR",
	"output_dir":            "CONVERTED_PROOFS_DIR",
	"scratch_dir":           "SCRATCH_DIR",
	"max_processes":         "MAX_PROCESSES",
	"max_inflight_jobs":     "MAX_INFLIGHT_JOBS",
	"settle_interval":       "SETTLE_INTERVAL",
	"artifact.delimiter":    "ARTIFACT_DELIMITER",
	"artifact.extension":    "ARTIFACT_EXT",
	"artifact.result_ext":   "RESULT_EXT",
	"transcoder.candidates": "TRANSCODER_CANDIDATES",
	"transcoder.timeout":    "TRANSCODE_TIMEOUT",
	"engine.command":        "ENGINE_COMMAND",
	"engine.workers":        "ENGINE_WORKERS",
	"engine.timeout":        "CONVERT_TIMEOUT",
	"nats.url":              "NATS_URL",
	"nats.subject":          "RESULT_SUBJECT",
	"mirror.bucket":         "OUTPUT_S3_BUCKET",
	"mirror.endpoint":       "OUTPUT_S3_ENDPOINT",
	"mirror.region":         "OUTPUT_S3_REGION",
	"mirror.access_key":     "OUTPUT_S3_ACCESS_KEY",
	"mirror.secret_key":     "OUTPUT_S3_SECRET_KEY",
	"mirror.use_ssl":        "OUTPUT_S3_USE_SSL",
	"mirror.prefix":         "OUTPUT_S3_PREFIX",
	"metrics.addr":          "METRICS_ADDR",
	"log.level":             "LOG_LEVEL",
	"log.format":            "LOG_FORMAT",
	"log.file":              "LOG_FILE",
}

// Load reads .env, an optional config file and the environment. configPath
// may be empty, in which case config.yaml is looked up in . and ./configs.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetDefault("input_dir", "/data/saved_proofs")
	v.SetDefault("output_dir", "/data/converted_proofs")
	v.SetDefault("scratch_dir", os.TempDir())
	v.SetDefault("max_processes", "1")
	v.SetDefault("max_inflight_jobs", "")
	v.SetDefault("settle_interval", "250ms")
	v.SetDefault("artifact.delimiter", "-")
	v.SetDefault("artifact.extension", ".proof")
	v.SetDefault("artifact.result_ext", ".result")
	v.SetDefault("transcoder.candidates", strings.Join(DefaultTranscoderCandidates, ","))
	v.SetDefault("transcoder.timeout", "10m")
	v.SetDefault("engine.command", "node engine/convert.js")
	v.SetDefault("engine.workers", "")
	v.SetDefault("engine.timeout", "30m")
	v.SetDefault("nats.subject", "proofs.converted")
	v.SetDefault("mirror.region", "us-east-1")
	v.SetDefault("mirror.use_ssl", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	return build(v)
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		InputDir:   v.GetString("input_dir"),
		OutputDir:  v.GetString("output_dir"),
		ScratchDir: v.GetString("scratch_dir"),
		Artifact: ArtifactConfig{
			Delimiter: v.GetString("artifact.delimiter"),
			Extension: v.GetString("artifact.extension"),
			ResultExt: v.GetString("artifact.result_ext"),
		},
		Engine: EngineConfig{
			Command: strings.TrimSpace(v.GetString("engine.command")),
		},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Subject: v.GetString("nats.subject"),
		},
		Mirror: MirrorConfig{
			Bucket:    v.GetString("mirror.bucket"),
			Endpoint:  v.GetString("mirror.endpoint"),
			Region:    v.GetString("mirror.region"),
			AccessKey: v.GetString("mirror.access_key"),
			SecretKey: v.GetString("mirror.secret_key"),
			UseSSL:    v.GetBool("mirror.use_ssl"),
			Prefix:    strings.Trim(v.GetString("mirror.prefix"), "/"),
		},
		Metrics: MetricsConfig{Addr: v.GetString("metrics.addr")},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
	}

	var err error
	if cfg.MaxProcesses, err = parsePositiveInt(v.GetString("max_processes"), "MAX_PROCESSES"); err != nil {
		return nil, err
	}

	cfg.MaxInFlightJobs = 4 * cfg.MaxProcesses
	if raw := v.GetString("max_inflight_jobs"); raw != "" {
		if cfg.MaxInFlightJobs, err = parsePositiveInt(raw, "MAX_INFLIGHT_JOBS"); err != nil {
			return nil, err
		}
	}

	// One engine process runs per dispatcher slot, each with its own worker
	// pool, so the default keeps the total at MAX_PROCESSES.
	cfg.Engine.Workers = 1
	if raw := v.GetString("engine.workers"); raw != "" {
		if cfg.Engine.Workers, err = parsePositiveInt(raw, "ENGINE_WORKERS"); err != nil {
			return nil, err
		}
	}

	if cfg.SettleInterval, err = parseDuration(v.GetString("settle_interval"), "SETTLE_INTERVAL", true); err != nil {
		return nil, err
	}
	if cfg.Transcoder.Timeout, err = parseDuration(v.GetString("transcoder.timeout"), "TRANSCODE_TIMEOUT", false); err != nil {
		return nil, err
	}
	if cfg.Engine.Timeout, err = parseDuration(v.GetString("engine.timeout"), "CONVERT_TIMEOUT", false); err != nil {
		return nil, err
	}

	cfg.Transcoder.Candidates = splitList(v.GetString("transcoder.candidates"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints the loaders cannot express on their own.
func (c *Config) Validate() error {
	if c.InputDir == "" || c.OutputDir == "" {
		return fmt.Errorf("SAVED_PROOFS_DIR and CONVERTED_PROOFS_DIR must be set")
	}
	if c.Artifact.ResultExt == "" || c.Artifact.ResultExt == c.Artifact.Extension {
		return fmt.Errorf("RESULT_EXT must be set and differ from ARTIFACT_EXT")
	}
	if len(c.Transcoder.Candidates) == 0 {
		return fmt.Errorf("TRANSCODER_CANDIDATES must list at least one path")
	}
	if c.Engine.Command == "" {
		return fmt.Errorf("ENGINE_COMMAND must be set")
	}
	return nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseDuration(value string, name string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be positive (got %s)", name, value)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
