package logger

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phuslu/log"

	"github.com/kolkov/preempt/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]log.Level{
		"trace":   log.TraceLevel,
		"debug":   log.DebugLevel,
		"info":    log.InfoLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// restoreDefault puts back the global logger after a test replaces it.
func restoreDefault(t *testing.T) {
	t.Helper()
	saved := log.DefaultLogger
	t.Cleanup(func() { log.DefaultLogger = saved })
}

func jsonConsole(writer string) config.LogOutput {
	return config.LogOutput{
		Type:    "console",
		Enabled: true,
		Console: &config.ConsoleConfig{FastIO: true, Writer: writer},
	}
}

func TestConfigureLoggingComponent(t *testing.T) {
	restoreDefault(t)

	var stdout, stderr bytes.Buffer
	cfg := config.LoggingConfig{
		Defaults: config.LogDefaults{Level: "info"},
		Outputs:  []config.LogOutput{jsonConsole("stdout")},
	}
	if err := configure(cfg, &stdout, &stderr); err != nil {
		t.Fatalf("configure: %v", err)
	}

	l := NewLoggerWithContext("machine")
	l.Info().Int("cpus", 4).Msg("started")
	l.Debug().Msg("hidden")

	out := stdout.String()
	if !strings.Contains(out, `"component":"machine"`) || !strings.Contains(out, `"cpus":4`) {
		t.Errorf("missing fields in %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
	if stderr.Len() != 0 {
		t.Errorf("stderr got output: %q", stderr.String())
	}
}

func TestConfigureLoggingMultiOutput(t *testing.T) {
	restoreDefault(t)

	var stdout, stderr bytes.Buffer
	cfg := config.LoggingConfig{
		Defaults: config.LogDefaults{Level: "warn"},
		Outputs:  []config.LogOutput{jsonConsole("stdout"), jsonConsole("stderr")},
	}
	if err := configure(cfg, &stdout, &stderr); err != nil {
		t.Fatalf("configure: %v", err)
	}

	log.Warn().Msg("both")
	if !strings.Contains(stdout.String(), "both") || !strings.Contains(stderr.String(), "both") {
		t.Errorf("record not fanned out: stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

func TestConfigureLoggingNoOutputs(t *testing.T) {
	restoreDefault(t)

	var stderr bytes.Buffer
	if err := configure(config.LoggingConfig{}, nil, &stderr); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.Info().Msg("fallback")
	if !strings.Contains(stderr.String(), "fallback") {
		t.Errorf("no fallback to stderr: %q", stderr.String())
	}
}

func TestConfigureLoggingErrors(t *testing.T) {
	restoreDefault(t)

	bad := []config.LogOutput{
		{Type: "console", Enabled: true},
		{Type: "file", Enabled: true},
		{Type: "file", Enabled: true, File: &config.FileConfig{}},
		{Type: "pigeon", Enabled: true},
	}
	for _, o := range bad {
		cfg := config.LoggingConfig{Outputs: []config.LogOutput{o}}
		if err := configure(cfg, nil, nil); err == nil {
			t.Errorf("output %+v accepted", o)
		}
	}
}

func TestFileOutput(t *testing.T) {
	restoreDefault(t)

	path := filepath.Join(t.TempDir(), "logs", "preempt.log")
	cfg := config.LoggingConfig{
		Outputs: []config.LogOutput{{
			Type:    "file",
			Enabled: true,
			File:    &config.FileConfig{Filename: path, MaxSize: 1, EnsureFolder: true},
		}},
	}
	if err := configure(cfg, nil, nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if w, ok := log.DefaultLogger.Writer.(*log.FileWriter); !ok || w.Filename != path {
		t.Fatalf("writer = %T, want *log.FileWriter for %s", log.DefaultLogger.Writer, path)
	} else {
		_ = w.Close()
	}
}
