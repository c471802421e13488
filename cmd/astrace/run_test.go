package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/nao1215/astrace/internal/config"
	"github.com/nao1215/astrace/internal/database"
	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/measurement"
)

// fakePlatform answers the platform operations a run needs.
type fakePlatform struct {
	asns map[string]int

	mu       sync.Mutex
	uploaded []lookup.Traceroute
	settings int
}

func newFakePlatform(t *testing.T) (*fakePlatform, string) {
	t.Helper()

	p := &fakePlatform{asns: map[string]int{
		"198.51.100.1": 100,
		"192.0.2.1":    100,
		"192.0.2.2":    200,
		"203.0.113.10": 300,
	}}
	srv := httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(srv.Close)
	return p, srv.URL + "/api/services"
}

func (p *fakePlatform) serve(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/api/services/")
	switch {
	case op == "myInfo":
		_, _ = io.WriteString(w, `{"ip":"198.51.100.1","as":100,"asName":"AS-100"}`)
	case op == "getIp2AsnMappingsByIpsPOST":
		_ = r.ParseForm()
		var answer [][]map[string]any
		for _, ip := range strings.Split(r.PostForm.Get("ips"), ",") {
			if ip == "" {
				continue
			}
			entries := []map[string]any{}
			if asn, ok := p.asns[ip]; ok {
				entries = append(entries, map[string]any{"ip": ip, "as": asn, "asName": fmt.Sprintf("AS-%d", asn), "type": "AS"})
			}
			answer = append(answer, entries)
		}
		_ = json.NewEncoder(w).Encode(answer)
	case op == "getASRelationshipsPOST":
		_ = r.ParseForm()
		var answer []map[string]int
		for _, pair := range strings.Split(r.PostForm.Get("pairs"), ",") {
			as0, as1, ok := strings.Cut(pair, "-")
			if !ok {
				continue
			}
			a, _ := strconv.Atoi(as0)
			b, _ := strconv.Atoi(as1)
			answer = append(answer, map[string]int{"relationship": -1, "as0": a, "as1": b})
		}
		_ = json.NewEncoder(w).Encode(answer)
	case strings.HasPrefix(op, "getASRelationship/"):
		parts := strings.Split(op, "/")
		_, _ = fmt.Fprintf(w, `{"relationship":-1,"as0":%s,"as1":%s}`, parts[1], parts[2])
	case op == "getIps2GeoPOST":
		_, _ = io.WriteString(w, `[]`)
	case op == "addTracerouteSettingsPOST":
		p.mu.Lock()
		p.settings++
		p.mu.Unlock()
		_, _ = io.WriteString(w, `"6f1c7a52-3b1e-4b8e-9a43-1d2f5e8b9c01"`)
	case strings.HasPrefix(op, "getTracerouteASesByDst/"):
		if strings.TrimPrefix(op, "getTracerouteASesByDst/") != "example.net" {
			_, _ = io.WriteString(w, `[]`)
			return
		}
		_, _ = io.WriteString(w, `[{"srcAS":100,"dstAS":300,"dst":"example.net","timeStamp":"2026-01-02 03:04:05",`+
			`"tracerouteASHops":[{"hop":0,"as":100},{"hop":1,"as":200},{"hop":1,"as":250},{"hop":2,"as":300}],`+
			`"tracerouteASStats":{"asHops":3,"flags":1024}}]`)
	case op == "addTracerouteASesPOST":
		var ts []lookup.Traceroute
		if err := json.NewDecoder(r.Body).Decode(&ts); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.uploaded = append(p.uploaded, ts...)
		p.mu.Unlock()
		_, _ = io.WriteString(w, "OK")
	default:
		http.NotFound(w, r)
	}
}

const testMeasurement = `{
	"destination": "example.net",
	"destinationAddress": "203.0.113.10",
	"publicAddress": "198.51.100.1",
	"settings": {"algorithms": ["icmp"], "flowCount": 1, "attemptsPerFlow": 2, "minHops": 1, "maxHops": 4},
	"data": [[[
		[{"state": "received", "address": "192.0.2.1"}, {"state": "received", "address": "192.0.2.2"}, {"state": "received", "address": "203.0.113.10"}],
		[{"state": "received", "address": "192.0.2.1"}, {"state": "received", "address": "192.0.2.2"}, {"state": "received", "address": "203.0.113.10"}]
	]]]
}`

// writeTestFiles writes a measurement and a configuration file that keeps
// the database inside dir.
func writeTestFiles(t *testing.T, dir string) (measurementPath, configPath string) {
	t.Helper()

	measurementPath = filepath.Join(dir, "example.json")
	if err := os.WriteFile(measurementPath, []byte(testMeasurement), 0600); err != nil {
		t.Fatal(err)
	}
	configPath = filepath.Join(dir, "astrace.yaml")
	content := fmt.Sprintf("service:\n  retries: 1\nstorage:\n  dbDir: %q\n", filepath.Join(dir, "db"))
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return measurementPath, configPath
}

// TestNewRunCmd tests the run command creation.
func TestNewRunCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRunCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "run <measurement.json>..." {
			t.Errorf("expected use 'run <measurement.json>...', got %q", cmd.Use)
		}
	})

	t.Run("requires at least one argument", func(t *testing.T) {
		t.Parallel()
		if err := cmd.Args(cmd, nil); err == nil {
			t.Error("expected an error without arguments")
		}
	})

	flags := []struct {
		name      string
		shorthand string
	}{
		{"service-url", ""},
		{"api-key", ""},
		{"proxy", ""},
		{"timeout", "t"},
		{"workers", "w"},
		{"batch", "b"},
		{"min-attempts", ""},
		{"no-infer", ""},
		{"upload", ""},
		{"upload-settings", ""},
		{"unique-as", ""},
		{"json", "j"},
		{"markdown", "m"},
		{"output", "o"},
		{"config", "c"},
		{"metrics-file", ""},
		{"dns-server", ""},
		{"no-save", ""},
	}
	for _, f := range flags {
		t.Run("has "+f.name+" flag", func(t *testing.T) {
			t.Parallel()
			flag := cmd.Flags().Lookup(f.name)
			if flag == nil {
				t.Fatalf("expected %s flag", f.name)
			}
			if flag.Shorthand != f.shorthand {
				t.Errorf("expected shorthand %q, got %q", f.shorthand, flag.Shorthand)
			}
		})
	}

	t.Run("metrics file has a default path", func(t *testing.T) {
		t.Parallel()
		if got := cmd.Flags().Lookup("metrics-file").NoOptDefVal; got != config.DefaultMetricsFile() {
			t.Errorf("expected %q, got %q", config.DefaultMetricsFile(), got)
		}
	})
}

// TestBuildConfig tests that flags override the configuration file.
func TestBuildConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "astrace.yaml")
	content := "service:\n  apiKey: from-file\n  timeout: 5s\nengine:\n  workers: 4\n  minAttempts: 3\nstorage:\n  dbDir: /tmp/astrace-test\n"
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cmd := NewRunCmd()
	if err := cmd.ParseFlags([]string{"--config", configPath, "--workers", "2", "--no-infer", "--no-save", "--json"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := buildConfig(cmd, []string{"a.json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIKey != "from-file" {
		t.Errorf("expected API key from file, got %q", cfg.APIKey)
	}
	if cfg.Timeout.String() != "5s" {
		t.Errorf("expected timeout from file, got %s", cfg.Timeout)
	}
	if cfg.Workers != 2 {
		t.Errorf("expected workers from flag, got %d", cfg.Workers)
	}
	if cfg.MinAttempts != 3 {
		t.Errorf("expected min attempts from file, got %d", cfg.MinAttempts)
	}
	if cfg.InferAcrossGaps {
		t.Error("expected --no-infer to disable gap inference")
	}
	if cfg.SaveToDB {
		t.Error("expected --no-save to disable storage")
	}
	if !cfg.JSONReport {
		t.Error("expected JSON report")
	}
	if cfg.DBDir != "/tmp/astrace-test" {
		t.Errorf("expected db dir from file, got %q", cfg.DBDir)
	}
	if len(cfg.Inputs) != 1 || cfg.Inputs[0] != "a.json" {
		t.Errorf("unexpected inputs %v", cfg.Inputs)
	}
}

// TestBuildConfigMissingFile tests that a named but missing file is an error.
func TestBuildConfigMissingFile(t *testing.T) {
	t.Parallel()

	cmd := NewRunCmd()
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if err := cmd.ParseFlags([]string{"--config", missing}); err != nil {
		t.Fatal(err)
	}

	_, err := buildConfig(cmd, []string{"a.json"})
	if !errors.Is(err, config.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

// TestRunCmdValidation tests that invalid settings fail before any work.
func TestRunCmdValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	measurementPath, configPath := writeTestFiles(t, dir)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "json and markdown",
			args:    []string{"--json", "--markdown"},
			wantErr: "none of the others can be",
		},
		{
			name:    "upload settings without upload",
			args:    []string{"--upload-settings"},
			wantErr: config.ErrUploadSettingsWithoutUpload.Error(),
		},
		{
			name:    "zero workers",
			args:    []string{"--workers", "0"},
			wantErr: config.ErrInvalidWorkers.Error(),
		},
		{
			name:    "bad service url",
			args:    []string{"--service-url", "ftp://example.com"},
			wantErr: config.ErrInvalidServiceURL.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := NewRootCmd()
			cmd.SetOut(io.Discard)
			cmd.SetErr(io.Discard)
			cmd.SetArgs(append([]string{"run", "--config", configPath}, append(tt.args, measurementPath)...))

			err := cmd.Execute()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestLoadMeasurements tests that an invalid file stops the run.
func TestLoadMeasurements(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good, _ := writeTestFiles(t, dir)
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"destination": ""}`), 0600); err != nil {
		t.Fatal(err)
	}

	ms, err := loadMeasurements([]string{good})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ms) != 1 || ms[0].Destination != "example.net" {
		t.Errorf("unexpected measurements %+v", ms)
	}

	if _, err := loadMeasurements([]string{good, bad}); !errors.Is(err, measurement.ErrInvalidMeasurement) {
		t.Errorf("expected ErrInvalidMeasurement, got %v", err)
	}
}

// TestRunCmd tests a complete run against a fake platform.
func TestRunCmd(t *testing.T) {
	t.Parallel()

	platform, serviceURL := newFakePlatform(t)
	dir := t.TempDir()
	measurementPath, configPath := writeTestFiles(t, dir)
	metricsPath := filepath.Join(dir, "metrics", "astrace.prom")

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{
		"run",
		"--config", configPath,
		"--service-url", serviceURL,
		"--dns-server", "127.0.0.1:1",
		"--upload", "--upload-settings",
		"--metrics-file", metricsPath,
		measurementPath,
	})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("prints the final path", func(t *testing.T) {
		output := out.String()
		if !strings.Contains(output, "FINISH example.net (198.51.100.1 --> 203.0.113.10) LIVE") {
			t.Errorf("missing header in output: %s", output)
		}
		if !strings.Contains(output, "AS100 AS200 AS300") {
			t.Errorf("missing path in output: %s", output)
		}
	})

	t.Run("uploads the path", func(t *testing.T) {
		platform.mu.Lock()
		defer platform.mu.Unlock()
		if platform.settings != 1 {
			t.Errorf("expected one settings upload, got %d", platform.settings)
		}
		if len(platform.uploaded) != 1 {
			t.Fatalf("expected one uploaded path, got %d", len(platform.uploaded))
		}
		up := platform.uploaded[0]
		if up.SourceAS != 100 || up.DestinationAS != 300 || up.Destination != "example.net" {
			t.Errorf("unexpected upload %+v", up)
		}
	})

	t.Run("stores the result", func(t *testing.T) {
		db, err := database.Open(filepath.Join(dir, "db"), database.DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()

		runs, err := db.History(context.Background(), "example.net")
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 1 {
			t.Fatalf("expected one stored run, got %d", len(runs))
		}
		if runs[0].PathCount != 1 {
			t.Errorf("expected one stored path, got %d", runs[0].PathCount)
		}
	})

	t.Run("writes metrics", func(t *testing.T) {
		data, err := os.ReadFile(metricsPath)
		if err != nil {
			t.Fatalf("expected metrics file: %v", err)
		}
		if !strings.Contains(string(data), "astrace_") {
			t.Errorf("unexpected metrics content: %s", data)
		}
	})
}

// TestRunCmdReportFile tests that reports go to the output file.
func TestRunCmdReportFile(t *testing.T) {
	t.Parallel()

	_, serviceURL := newFakePlatform(t)
	dir := t.TempDir()
	measurementPath, configPath := writeTestFiles(t, dir)
	reportPath := filepath.Join(dir, "reports", "example.md")

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{
		"run",
		"--config", configPath,
		"--service-url", serviceURL,
		"--dns-server", "127.0.0.1:1",
		"--no-save",
		"--markdown",
		"-o", reportPath,
		measurementPath,
	})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("expected report file: %v", err)
	}
	if !strings.Contains(string(content), "# AS Path Report: example.net") {
		t.Errorf("unexpected report content: %s", content)
	}
	if out.Len() != 0 {
		t.Errorf("expected nothing on stdout, got %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "db", database.FileName)); !os.IsNotExist(err) {
		t.Error("expected no database with --no-save")
	}
}
