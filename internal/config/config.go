package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
)

// AppConfig represents the complete configuration of preemptcheck and of
// programs that initialise the preempt package from a file.
type AppConfig struct {
	// Oldest module version this file was written for (default: "", any)
	MinVersion string `toml:"min_version"`

	// Misuse detector configuration
	Detector DetectorConfig `toml:"detector"`

	// Simulated machine workload
	Simulation SimulationConfig `toml:"simulation"`

	// HTTP server configuration for "serve"
	Server ServerConfig `toml:"server"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// DetectorConfig contains misuse detector settings
type DetectorConfig struct {
	// Enable checks (default: true). Overrides the build-time default.
	Enabled bool `toml:"enabled"`

	// Capture a call stack for each report (default: true)
	Stacks bool `toml:"stacks"`

	// Report destination: "stderr" (kernel-style text) or "log" (default: "stderr")
	Sink string `toml:"sink"`

	// Report rate limiting
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig contains report rate limiter settings
type RateLimitConfig struct {
	// Window length as a Go duration; "0s" disables limiting (default: "5s")
	Interval string `toml:"interval"`

	// Reports admitted per window (default: 10)
	Burst int `toml:"burst"`
}

// SimulationConfig contains the simulated workload settings
type SimulationConfig struct {
	// Number of simulated processors (default: 4)
	CPUs int `toml:"cpus"`

	// Number of tasks (default: 8)
	Tasks int `toml:"tasks"`

	// Iterations per task (default: 10000)
	Iterations int `toml:"iterations"`

	// Make every Nth iteration an unprotected processor-id read; 0 disables (default: 1000)
	MisuseEvery int `toml:"misuse_every"`

	// Raise a simulated interrupt every Nth iteration; 0 disables (default: 100)
	IRQEvery int `toml:"irq_every"`

	// Seed for the workload's random choices (default: 1)
	Seed int64 `toml:"seed"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Pause between simulation rounds (default: "1s")
	RoundInterval string `toml:"round_interval"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Syslog tag/program name (default: "preemptcheck")
	Tag string `toml:"tag"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Detector: DetectorConfig{
			Enabled: true,
			Stacks:  true,
			Sink:    "stderr",
			RateLimit: RateLimitConfig{
				Interval: "5s",
				Burst:    10,
			},
		},
		Simulation: SimulationConfig{
			CPUs:        4,
			Tasks:       8,
			Iterations:  10000,
			MisuseEvery: 1000,
			IRQEvery:    100,
			Seed:        1,
		},
		Server: ServerConfig{
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
			RoundInterval: "1s",
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/preemptcheck.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network: "udp",
						Address: "localhost:514",
						Tag:     "preemptcheck",
						Async:   true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig writes a TOML file holding the default configuration
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# preemptcheck example configuration
# Generated from the built-in defaults. Copy it and edit as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.MinVersion != "" && !semver.IsValid(c.MinVersion) {
		return fmt.Errorf("min_version %q is not a semantic version", c.MinVersion)
	}

	switch c.Detector.Sink {
	case "stderr", "log":
	default:
		return fmt.Errorf("detector.sink must be \"stderr\" or \"log\", got %q", c.Detector.Sink)
	}
	if _, err := c.Detector.RateLimit.Window(); err != nil {
		return err
	}

	s := c.Simulation
	if s.CPUs < 1 {
		return fmt.Errorf("simulation.cpus must be at least 1, got %d", s.CPUs)
	}
	if s.Tasks < 1 {
		return fmt.Errorf("simulation.tasks must be at least 1, got %d", s.Tasks)
	}
	if s.Iterations < 0 || s.MisuseEvery < 0 || s.IRQEvery < 0 {
		return fmt.Errorf("simulation counts cannot be negative")
	}

	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}
	if _, err := c.Server.Round(); err != nil {
		return err
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// ErrTooOld is returned by CheckVersion when the running version is older
// than the file's min_version.
var ErrTooOld = errors.New("configuration requires a newer version")

// CheckVersion reports whether running satisfies min_version. Development
// builds with a non-semver version string always pass.
func (c *AppConfig) CheckVersion(running string) error {
	if c.MinVersion == "" || !semver.IsValid(running) {
		return nil
	}
	if semver.Compare(running, c.MinVersion) < 0 {
		return fmt.Errorf("%w: min_version %s, running %s", ErrTooOld, c.MinVersion, running)
	}
	return nil
}

// Window parses Interval.
func (r RateLimitConfig) Window() (time.Duration, error) {
	d, err := time.ParseDuration(r.Interval)
	if err != nil {
		return 0, fmt.Errorf("detector.rate_limit.interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("detector.rate_limit.interval cannot be negative")
	}
	return d, nil
}

// Round parses RoundInterval.
func (s ServerConfig) Round() (time.Duration, error) {
	d, err := time.ParseDuration(s.RoundInterval)
	if err != nil {
		return 0, fmt.Errorf("server.round_interval: %w", err)
	}
	return d, nil
}

// Flags holds the simulation command-line flags. Zero or empty values
// were not given.
type Flags struct {
	ConfigPath  string
	CPUs        int
	Tasks       int
	Iterations  int
	MisuseEvery int
	IRQEvery    int
	Listen      string
	LogLevel    string
}

// Register binds the flags to set.
func (f *Flags) Register(set *flag.FlagSet) {
	set.StringVar(&f.ConfigPath, "config", "", "Path to configuration file (optional).")
	set.IntVar(&f.CPUs, "cpus", 0, "Number of simulated processors.")
	set.IntVar(&f.Tasks, "tasks", 0, "Number of simulated tasks.")
	set.IntVar(&f.Iterations, "iterations", 0, "Iterations per task.")
	set.IntVar(&f.MisuseEvery, "misuse-every", -1, "Unprotected read every N iterations (0 disables).")
	set.IntVar(&f.IRQEvery, "irq-every", -1, "Simulated interrupt every N iterations (0 disables).")
	set.StringVar(&f.Listen, "web.listen-address", "", "Address to listen on for metrics (serve only).")
	set.StringVar(&f.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error.")
}

// NewConfig loads the file named by the flags, applies the flags that
// were set on top of it and validates the result.
func NewConfig(f *Flags, set *flag.FlagSet) (*AppConfig, error) {
	config, err := LoadConfig(f.ConfigPath)
	if err != nil {
		return nil, err
	}

	if isFlagPassed(set, "cpus") {
		config.Simulation.CPUs = f.CPUs
	}
	if isFlagPassed(set, "tasks") {
		config.Simulation.Tasks = f.Tasks
	}
	if isFlagPassed(set, "iterations") {
		config.Simulation.Iterations = f.Iterations
	}
	if isFlagPassed(set, "misuse-every") {
		config.Simulation.MisuseEvery = f.MisuseEvery
	}
	if isFlagPassed(set, "irq-every") {
		config.Simulation.IRQEvery = f.IRQEvery
	}
	if isFlagPassed(set, "web.listen-address") {
		config.Server.ListenAddress = f.Listen
	}
	if isFlagPassed(set, "log-level") {
		config.Logging.Defaults.Level = f.LogLevel
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(set *flag.FlagSet, name string) bool {
	found := false
	set.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
