package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func fakeSensorConfig(t *testing.T) string {
	return writeConfig(t, `
data_dir: `+t.TempDir()+`
sensor:
  driver: fake
clock:
  utc_offset: "+00:00"
`)
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) = %v", args, err)
		}
		for _, want := range []string{"serve", "init [dir]", "watch", "read", "version", "-config"} {
			if !strings.Contains(out.String(), want) {
				t.Errorf("run(%v) usage missing %q", args, want)
			}
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-verbose", "serve"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "read"}, "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil {
				t.Fatalf("run(%v) = nil, want error", tt.args)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "dhtagent ") {
		t.Errorf("version output = %q", out.String())
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output missing go_version:\n%s", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o=json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v\n%s", err, out.String())
	}
	if info["name"] != "dhtagent" {
		t.Errorf("name = %q, want dhtagent", info["name"])
	}
}

func TestRun_ReadFakeSensor(t *testing.T) {
	cfgPath := fakeSensorConfig(t)

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "read"}); err != nil {
		t.Fatalf("read: %v", err)
	}
	// The fake sensor's first point is its centre temperature and
	// centre humidity plus two.
	got := out.String()
	if !strings.Contains(got, "temperature 21.00°C") || !strings.Contains(got, "humidity 47.00%") {
		t.Errorf("read output = %q", got)
	}
}

func TestRun_ReadFakeSensorJSON(t *testing.T) {
	cfgPath := fakeSensorConfig(t)

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config=" + cfgPath, "--output", "json", "read"}); err != nil {
		t.Fatalf("read: %v", err)
	}
	var res struct {
		OK          bool    `json:"ok"`
		Temperature float64 `json:"temperature"`
		Humidity    float64 `json:"humidity"`
		Timestamp   string  `json:"timestamp"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if !res.OK || res.Temperature != 21 || res.Humidity != 47 || res.Timestamp == "" {
		t.Errorf("read result = %+v", res)
	}
}

func TestRun_InvalidConfigRejected(t *testing.T) {
	cfgPath := writeConfig(t, "sensor:\n  driver: bme280\n")

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "read"})
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("read with bad driver = %v, want invalid config", err)
	}
}
