package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"pixpress-go/internal/planner"

	"github.com/spf13/viper"
)

// Preset quality levels, matching the Web / Balanced / High presets
// exposed to users.
const (
	PresetWeb      = 75
	PresetBalanced = 85
	PresetHigh     = 95
)

// QualityPresets maps preset names to quality values.
func QualityPresets() map[string]int {
	return map[string]int{
		"web":      PresetWeb,
		"balanced": PresetBalanced,
		"high":     PresetHigh,
	}
}

// Config is the main configuration structure.
type Config struct {
	OutputDir        string        `mapstructure:"output_dir"`
	Quality          int           `mapstructure:"quality"`
	TargetFormat     string        `mapstructure:"target_format"`
	StripMetadata    bool          `mapstructure:"strip_metadata"`
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
	SourceExtensions []string      `mapstructure:"source_extensions"`
	Web              WebConfig     `mapstructure:"web"`
	Logging          LoggingConfig `mapstructure:"logging"`
}

// WebConfig contains web interface settings.
type WebConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:        "out",
		Quality:          PresetBalanced,
		TargetFormat:     planner.KeepOriginal,
		StripMetadata:    false,
		ConflictStrategy: "replace",
		SourceExtensions: []string{".jpg", ".jpeg", ".png"},
		Web: WebConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "pixpress.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.pixpress")
		viper.AddConfigPath("/etc/pixpress")
	}

	viper.SetEnvPrefix("PIXPRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate normalizes and validates the configuration.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}

	// Out-of-range quality is clamped, never rejected, so a bad value
	// coming from a caller-side control cannot crash processing.
	c.Quality = planner.ClampQuality(c.Quality)

	if !planner.IsValidTargetFormat(c.TargetFormat) {
		return fmt.Errorf("invalid target_format: %s (valid: %s, %s)",
			c.TargetFormat, planner.KeepOriginal, strings.Join(planner.TargetFormats(), ", "))
	}

	if _, err := planner.ParseStrategy(c.ConflictStrategy); err != nil {
		return err
	}

	c.SourceExtensions = normalizeExtensions(c.SourceExtensions)
	if len(c.SourceExtensions) == 0 {
		return fmt.Errorf("source_extensions must not be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// ApplyPreset overrides the quality with a named preset.
func (c *Config) ApplyPreset(name string) error {
	quality, ok := QualityPresets()[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown quality preset: %s (valid: web, balanced, high)", name)
	}
	c.Quality = quality
	return nil
}

// Settings converts the configuration into the immutable per-run snapshot
// handed to the worker.
func (c *Config) Settings() planner.Settings {
	return planner.Settings{
		OutputDir:     c.OutputDir,
		Quality:       c.Quality,
		TargetFormat:  c.TargetFormat,
		StripMetadata: c.StripMetadata,
	}
}

// Strategy returns the parsed run-level conflict strategy.
func (c *Config) Strategy() planner.Strategy {
	s, err := planner.ParseStrategy(c.ConflictStrategy)
	if err != nil {
		return planner.StrategyReplace
	}
	return s
}

// IsSourceFile reports whether a path carries an accepted source extension.
func (c *Config) IsSourceFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, supported := range c.SourceExtensions {
		if ext == supported {
			return true
		}
	}
	return false
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[i] = ext
	}
	return normalized
}
