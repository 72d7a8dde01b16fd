// Package logger configures phuslu/log for preemptcheck and hands out
// per-component loggers.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/phuslu/log"

	"github.com/kolkov/preempt/internal/config"
)

// parseLogLevel converts string log level to log.Level
func parseLogLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// parseTimeLocation parses time location string
func parseTimeLocation(location string) *time.Location {
	switch location {
	case "Local", "":
		return time.Local
	case "UTC":
		return time.UTC
	default:
		if loc, err := time.LoadLocation(location); err == nil {
			return loc
		}
		return time.Local
	}
}

// mapTimeFormat maps string time format to log.TimeFormat
func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

func async(w log.Writer, enabled bool) log.Writer {
	if !enabled {
		return w
	}
	return &log.AsyncWriter{
		ChannelSize: 4096,
		Writer:      w,
	}
}

// createConsoleWriter creates a console writer based on configuration
func createConsoleWriter(cfg *config.ConsoleConfig, stdout, stderr io.Writer) log.Writer {
	baseWriter := stderr
	if cfg.Writer == "stdout" {
		baseWriter = stdout
	}

	if cfg.FastIO {
		return async(&log.IOWriter{Writer: baseWriter}, cfg.Async)
	}

	consoleWriter := &log.ConsoleWriter{
		ColorOutput:    cfg.ColorOutput,
		QuoteString:    cfg.QuoteString,
		EndWithMessage: true,
		Writer:         baseWriter,
	}
	if cfg.Format == "logfmt" {
		consoleWriter.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	}
	return async(consoleWriter, cfg.Async)
}

// createFileWriter creates a file writer based on configuration
func createFileWriter(cfg *config.FileConfig) (log.Writer, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("file output requires a filename")
	}
	if cfg.EnsureFolder {
		dir := filepath.Dir(cfg.Filename)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	return async(&log.FileWriter{
		Filename:     cfg.Filename,
		FileMode:     0644,
		MaxSize:      cfg.MaxSize * 1024 * 1024,
		MaxBackups:   cfg.MaxBackups,
		TimeFormat:   mapTimeFormat(cfg.TimeFormat),
		LocalTime:    cfg.LocalTime,
		EnsureFolder: cfg.EnsureFolder,
	}, cfg.Async), nil
}

// createSyslogWriter creates a syslog writer based on configuration
func createSyslogWriter(cfg *config.SyslogConfig) log.Writer {
	return async(&log.SyslogWriter{
		Network: cfg.Network,
		Address: cfg.Address,
		Tag:     cfg.Tag,
	}, cfg.Async)
}

// createWriter creates a log.Writer based on the output configuration
func createWriter(output config.LogOutput, stdout, stderr io.Writer) (log.Writer, error) {
	switch output.Type {
	case "console":
		if output.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return createConsoleWriter(output.Console, stdout, stderr), nil

	case "file":
		if output.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return createFileWriter(output.File)

	case "syslog":
		if output.Syslog == nil {
			return nil, fmt.Errorf("syslog output missing syslog configuration")
		}
		return createSyslogWriter(output.Syslog), nil

	default:
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
}

// createMultiWriter creates a writer that outputs to every enabled destination
func createMultiWriter(outputs []config.LogOutput, stdout, stderr io.Writer) (log.Writer, error) {
	var writers []log.Writer

	for _, output := range outputs {
		if !output.Enabled {
			continue
		}
		writer, err := createWriter(output, stdout, stderr)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}

	switch len(writers) {
	case 0:
		return &log.IOWriter{Writer: stderr}, nil
	case 1:
		return writers[0], nil
	default:
		multiWriter := log.MultiEntryWriter(writers)
		return &multiWriter, nil
	}
}

// ConfigureLogging configures the global DefaultLogger with user configuration
func ConfigureLogging(cfg config.LoggingConfig) error {
	return configure(cfg, os.Stdout, os.Stderr)
}

func configure(cfg config.LoggingConfig, stdout, stderr io.Writer) error {
	multiWriter, err := createMultiWriter(cfg.Outputs, stdout, stderr)
	if err != nil {
		return err
	}

	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       multiWriter,
	}

	log.Debug().
		Str("level", cfg.Defaults.Level).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")

	return nil
}

// NewLoggerWithContext creates a new logger by copying the global DefaultLogger
// and adding a component field. Loggers made before ConfigureLogging keep
// the writer that was current when they were made.
func NewLoggerWithContext(component string) log.Logger {
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0, // component loggers never report callers
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}
