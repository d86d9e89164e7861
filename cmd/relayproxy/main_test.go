package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/Q1rD/relayproxy/relayproxy"
)

// TestParseArgs_Defaults tests a bare command line
func TestParseArgs_Defaults(t *testing.T) {
	config, showVersion, err := parseArgs(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if showVersion {
		t.Error("Version was not requested")
	}
	if *config != *relayproxy.DefaultConfig() {
		t.Errorf("Expected defaults, got %+v", config)
	}
}

// TestParseArgs_Flags tests flag overrides
func TestParseArgs_Flags(t *testing.T) {
	config, _, err := parseArgs([]string{
		"--listen", "127.0.0.1:9000",
		"-w", "12",
		"--log-level", "debug",
		"--log-format", "json",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}

	if config.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("Expected 127.0.0.1:9000, got %q", config.ListenAddress)
	}
	if config.NumWorkers != 12 {
		t.Errorf("Expected 12 workers, got %d", config.NumWorkers)
	}
	if config.LogLevel != "debug" || config.LogFormat != "json" {
		t.Errorf("Unexpected logging config %q %q", config.LogLevel, config.LogFormat)
	}
}

// TestParseArgs_Port tests the positional port
func TestParseArgs_Port(t *testing.T) {
	config, _, err := parseArgs([]string{"3128"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if config.ListenAddress != ":3128" {
		t.Errorf("Expected :3128, got %q", config.ListenAddress)
	}

	for _, args := range [][]string{{"http"}, {"70000"}, {"1", "2"}} {
		if _, _, err := parseArgs(args, io.Discard); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

// TestParseArgs_ConfigFile tests that flags override the file
func TestParseArgs_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayproxy.yaml")
	content := "listen: \":7000\"\nworkers: 3\nheader_policy: recompute-length\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	config, _, err := parseArgs([]string{"--config", path, "--workers", "9"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}

	if config.ListenAddress != ":7000" {
		t.Errorf("Expected :7000 from file, got %q", config.ListenAddress)
	}
	if config.NumWorkers != 9 {
		t.Errorf("Expected flag to override workers, got %d", config.NumWorkers)
	}
	if config.HeaderPolicy != "recompute-length" {
		t.Errorf("Expected recompute-length, got %q", config.HeaderPolicy)
	}
}

// TestParseArgs_Errors tests rejected command lines
func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"invalid workers", []string{"--workers", "0"}, relayproxy.ErrInvalidConfig},
		{"invalid format", []string{"--log-format", "xml"}, relayproxy.ErrInvalidConfig},
		{"missing file", []string{"--config", "/nonexistent/relayproxy.yaml"}, os.ErrNotExist},
		{"help", []string{"--help"}, pflag.ErrHelp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseArgs(tt.args, io.Discard)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

// TestParseArgs_Version tests --version
func TestParseArgs_Version(t *testing.T) {
	_, showVersion, err := parseArgs([]string{"--version"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !showVersion {
		t.Error("Expected version request")
	}
}

// TestNewLogger tests handler selection and level filtering
func TestNewLogger(t *testing.T) {
	config := relayproxy.DefaultConfig()
	config.LogFormat = "json"
	config.LogLevel = "warn"

	var buf bytes.Buffer
	logger, err := newLogger(config, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "fd", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one record, got %d: %s", len(lines), buf.String())
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("Record is not JSON: %v", err)
	}
	if record["msg"] != "shown" || record["fd"] != float64(7) {
		t.Errorf("Unexpected record %v", record)
	}
}
