package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is constructed once at
// process start and passed by reference into every component; stages never
// re-read ambient state.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Files     FilesConfig     `yaml:"files" mapstructure:"files"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	RecommendModel    string  `yaml:"recommend_model" mapstructure:"recommend_model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// FilesConfig locates uploaded source files.
type FilesConfig struct {
	BaseDir string `yaml:"base_dir" mapstructure:"base_dir"`
}

// PipelineConfig configures the pipeline stages.
type PipelineConfig struct {
	// InsertBatchSize bounds each bulk insert of stock entries.
	InsertBatchSize int `yaml:"insert_batch_size" mapstructure:"insert_batch_size"`
	// StreamPageSize bounds each keyset page streamed to the interpreter.
	StreamPageSize int `yaml:"stream_page_size" mapstructure:"stream_page_size"`
	// ExecTimeoutSecs is the hard wall-clock limit on the analysis subprocess.
	ExecTimeoutSecs int `yaml:"exec_timeout_secs" mapstructure:"exec_timeout_secs"`
	// SampleRowsPerFile bounds the aggregation sample taken from each file.
	SampleRowsPerFile int `yaml:"sample_rows_per_file" mapstructure:"sample_rows_per_file"`
	// ProfileSampleRows bounds the dataset profile sample sent to codegen.
	ProfileSampleRows int `yaml:"profile_sample_rows" mapstructure:"profile_sample_rows"`
	// Interpreter is the command that runs generated analysis scripts.
	Interpreter string `yaml:"interpreter" mapstructure:"interpreter"`
	// ConfidenceThreshold is advisory only; mapping always requires human
	// confirmation regardless of confidence.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STOCKINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("files.base_dir", "./uploads")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.recommend_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("pipeline.insert_batch_size", 1000)
	v.SetDefault("pipeline.stream_page_size", 2000)
	v.SetDefault("pipeline.exec_timeout_secs", 60)
	v.SetDefault("pipeline.sample_rows_per_file", 2)
	v.SetDefault("pipeline.profile_sample_rows", 20)
	v.SetDefault("pipeline.interpreter", "python3")
	v.SetDefault("pipeline.confidence_threshold", 0.7)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
