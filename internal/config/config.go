// Package config loads dicomfuse settings from flags, DICOMFUSE_* environment
// variables, an optional YAML file and built-in defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/staging"
)

// EnvPrefix prefixes every environment override, e.g. DICOMFUSE_CACHESIZE.
const EnvPrefix = "DICOMFUSE"

// CacheTime holds the two cache lifetimes given as "objects,files" seconds.
type CacheTime struct {
	// Objects is the TTL of cached Store/Study/Series/Instance listings.
	Objects time.Duration `mapstructure:"objects" validate:"gte=0"`
	// Files is the TTL of staged instance downloads.
	Files time.Duration `mapstructure:"files" validate:"gte=0"`
}

// ParseCacheTime parses "objects,files" where both values are whole seconds.
func ParseCacheTime(s string) (CacheTime, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return CacheTime{}, fmt.Errorf("cache time %q: want <objects>,<files> seconds", s)
	}
	objects, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return CacheTime{}, fmt.Errorf("cache time %q: objects: %w", s, err)
	}
	files, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return CacheTime{}, fmt.Errorf("cache time %q: files: %w", s, err)
	}
	return CacheTime{
		Objects: time.Duration(objects) * time.Second,
		Files:   time.Duration(files) * time.Second,
	}, nil
}

// String renders the flag form.
func (c CacheTime) String() string {
	return fmt.Sprintf("%d,%d", int64(c.Objects/time.Second), int64(c.Files/time.Second))
}

// MarshalYAML keeps the flag form in --printConfig output.
func (c CacheTime) MarshalYAML() (any, error) {
	return c.String(), nil
}

// Config is the effective configuration.
type Config struct {
	DatasetAddr    string    `mapstructure:"datasetAddr" yaml:"datasetAddr" validate:"required,datasetaddr"`
	MountPath      string    `mapstructure:"mountPath" yaml:"mountPath" validate:"required"`
	CacheTime      CacheTime `mapstructure:"cacheTime" yaml:"cacheTime"`
	CacheSize      int64     `mapstructure:"cacheSize" yaml:"cacheSize" validate:"gte=0"`
	EnableDeletion bool      `mapstructure:"enableDeletion" yaml:"enableDeletion"`
	KeyFile        string    `mapstructure:"keyFile" yaml:"keyFile,omitempty"`

	StagingDir        string        `mapstructure:"stagingDir" yaml:"stagingDir" validate:"required"`
	CleanupDelay      time.Duration `mapstructure:"cleanupDelay" yaml:"cleanupDelay" validate:"gte=0"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond" yaml:"requestsPerSecond" validate:"gte=0"`
	MetricsAddr       string        `mapstructure:"metricsAddr" yaml:"metricsAddr,omitempty"`

	LogLevel  string `mapstructure:"logLevel" yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"logFormat" yaml:"logFormat" validate:"oneof=console json"`
	LogOutput string `mapstructure:"logOutput" yaml:"logOutput"`

	// PrintConfig asks the caller to dump the config and exit.
	PrintConfig bool `mapstructure:"printConfig" yaml:"-"`
}

// Defaults.
const (
	DefaultCacheTime    = "60,300"
	DefaultCacheSize    = 10000
	DefaultCleanupDelay = 3 * time.Second
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
	DefaultLogOutput    = "stderr"
)

// DefaultStagingDir is $TMPDIR/dicomfuse.
func DefaultStagingDir() string {
	return filepath.Join(os.TempDir(), "dicomfuse")
}

// NewFlagSet declares every command-line flag along with its short form.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("datasetAddr", "a", "", "dataset URL: https://healthcare.googleapis.com/v1/projects/P/locations/L/datasets/D")
	fs.StringP("mountPath", "p", "", "directory to mount the dataset on")
	fs.StringP("cacheTime", "t", DefaultCacheTime, "cache lifetimes in seconds as <objects>,<files>")
	fs.Int64P("cacheSize", "s", DefaultCacheSize, "staged download budget in MB")
	fs.BoolP("enableDeletion", "d", true, "allow rm to delete instances from the store")
	fs.StringP("keyFile", "k", "", "service account JSON key (default: application default credentials)")

	fs.String("config", "", "optional YAML config file")
	fs.String("stagingDir", DefaultStagingDir(), "directory for staged downloads and uploads")
	fs.Duration("cleanupDelay", DefaultCleanupDelay, "grace period before an uploaded temp file is dropped")
	fs.Float64("requestsPerSecond", 0, "client-side request rate limit (0 = unlimited)")
	fs.String("metricsAddr", "", "serve Prometheus metrics on this address (empty disables)")
	fs.String("logLevel", DefaultLogLevel, "debug, info, warn or error")
	fs.String("logFormat", DefaultLogFormat, "console or json")
	fs.String("logOutput", DefaultLogOutput, "stderr, stdout or a file path")
	fs.Bool("printConfig", false, "print the effective configuration as YAML and exit")
	return fs
}

// Load parses args and merges every configuration source. pflag.ErrHelp is
// returned unwrapped when -h was given.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("dicomfuse")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	return LoadFlags(fs)
}

// LoadFlags merges an already parsed flag set with the environment, the
// config file and defaults.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	configPath := v.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := readConfigFile(v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cacheTime", DefaultCacheTime)
	v.SetDefault("cacheSize", DefaultCacheSize)
	v.SetDefault("enableDeletion", true)
	v.SetDefault("stagingDir", DefaultStagingDir())
	v.SetDefault("cleanupDelay", DefaultCleanupDelay)
	v.SetDefault("logLevel", DefaultLogLevel)
	v.SetDefault("logFormat", DefaultLogFormat)
	v.SetDefault("logOutput", DefaultLogOutput)
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		cacheTimeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// cacheTimeHook decodes the "objects,files" string form into CacheTime.
// Map forms from YAML fall through to the default struct decoding.
func cacheTimeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(CacheTime{}) || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseCacheTime(data.(string))
	}
}

// Staging maps the config onto the staging engine's settings.
func (c *Config) Staging() staging.Config {
	return staging.Config{
		Dir:          c.StagingDir,
		CacheSizeMB:  c.CacheSize,
		FilesTTL:     c.CacheTime.Files,
		CleanupDelay: c.CleanupDelay,
	}
}

// Logging maps the config onto the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		OutputPath: c.LogOutput,
	}
}

// Dump writes the config as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
