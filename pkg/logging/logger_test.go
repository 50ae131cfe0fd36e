// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q) accepted", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger, err := Setup(Config{
		Level:   "debug",
		Service: "authz-test",
		LogDir:  dir,
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	logger.Info("check evaluated", "zone", "z1", "allowed", true)
	logger.Debug("cache state", "entries", 4)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "authz-test_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files = %v, err %v", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2:\n%s", len(lines), data)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("file line not JSON: %v", err)
	}
	if rec["service"] != "authz-test" || rec["zone"] != "z1" {
		t.Errorf("record attributes = %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := Setup(Config{Level: "warn", LogDir: dir, Quiet: true})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, "*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files = %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if strings.Contains(string(data), "dropped") {
		t.Error("info record survived warn filter")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("warn record missing")
	}
}

func TestBadLevelRejected(t *testing.T) {
	if _, err := Setup(Config{Level: "loud"}); err == nil {
		t.Error("invalid level accepted")
	}
}

func TestSetupInstallsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, err := Setup(Config{Quiet: true, LogDir: t.TempDir(), Service: "dflt"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer logger.Close()

	if slog.Default() != logger.Logger {
		t.Error("Setup did not install the process default logger")
	}
}
