// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/zyahav/mcp-skills-hub/pkg/config"
	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/hub"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

func TestParseGlobalFlags(t *testing.T) {
	t.Setenv("MCPHUB_CONFIG", "")

	tests := []struct {
		name     string
		args     []string
		wantArgs []string
		check    func(t *testing.T, f globalFlags)
	}{
		{
			name:     "no flags defaults to no command",
			args:     nil,
			wantArgs: nil,
			check:    func(t *testing.T, f globalFlags) {},
		},
		{
			name:     "separate values",
			args:     []string{"--config", "hub.yaml", "--root", "skills", "--log-level", "debug", "check"},
			wantArgs: []string{"check"},
			check: func(t *testing.T, f globalFlags) {
				if f.ConfigPath != "hub.yaml" || f.Root != "skills" || f.LogLevel != "debug" {
					t.Errorf("unexpected flags %+v", f)
				}
			},
		},
		{
			name:     "inline values and repeated set",
			args:     []string{"--set=workers.call_timeout=5s", "--set", "log.format=json", "--json", "version"},
			wantArgs: []string{"version"},
			check: func(t *testing.T, f globalFlags) {
				if len(f.Overrides) != 2 || f.Overrides[0] != "workers.call_timeout=5s" || f.Overrides[1] != "log.format=json" {
					t.Errorf("unexpected overrides %v", f.Overrides)
				}
				if !f.JSON {
					t.Error("expected --json to be set")
				}
			},
		},
		{
			name:     "double dash ends flags",
			args:     []string{"--", "--root"},
			wantArgs: []string{"--root"},
			check:    func(t *testing.T, f globalFlags) {},
		},
		{
			name:     "help stops parsing",
			args:     []string{"-h", "--bogus"},
			wantArgs: nil,
			check: func(t *testing.T, f globalFlags) {
				if !f.Help {
					t.Error("expected help")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, args, err := parseGlobalFlags(tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fmt.Sprint(args) != fmt.Sprint(tt.wantArgs) {
				t.Errorf("expected args %v, got %v", tt.wantArgs, args)
			}
			tt.check(t, flags)
		})
	}
}

func TestParseGlobalFlagsErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--root"},
		{"--unknown"},
		{"--set"},
	} {
		if _, _, err := parseGlobalFlags(args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestParseGlobalFlagsReadsConfigEnv(t *testing.T) {
	t.Setenv("MCPHUB_CONFIG", "/etc/mcphub.yaml")

	flags, _, err := parseGlobalFlags(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flags.ConfigPath != "/etc/mcphub.yaml" {
		t.Errorf("expected config path from env, got %q", flags.ConfigPath)
	}

	flags, _, err = parseGlobalFlags([]string{"--config", "local.yaml"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flags.ConfigPath != "local.yaml" {
		t.Errorf("expected --config to win, got %q", flags.ConfigPath)
	}
}

func TestParseCheckFlags(t *testing.T) {
	opts, err := parseCheckFlags([]string{"--timeout", "30s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Timeout != 30*time.Second {
		t.Errorf("expected 30s, got %s", opts.Timeout)
	}

	for _, args := range [][]string{
		{"--timeout", "soon"},
		{"--timeout=-1s"},
		{"extra"},
		{"--verbose"},
	} {
		if _, err := parseCheckFlags(args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestLoadConfigAppliesShortcutFlags(t *testing.T) {
	cfg, err := loadConfig(globalFlags{
		Overrides: []string{"workers.root=ignored", "log.level=warn"},
		Root:      "/srv/skills",
		LogLevel:  "debug",
	})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Workers.Root != "/srv/skills" {
		t.Errorf("expected --root to win over --set, got %q", cfg.Workers.Root)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected --log-level to win over --set, got %q", cfg.Log.Level)
	}
}

func TestCLIErrorFormatting(t *testing.T) {
	err := NewInvalidArgumentError("frobnicate", `unknown command "frobnicate"`)
	msg := err.Error()
	if !strings.Contains(msg, "INVALID_INPUT") || !strings.Contains(msg, "frobnicate") {
		t.Errorf("unexpected message %q", msg)
	}
	if !strings.Contains(msg, "Hint: run 'mcphub help'") {
		t.Errorf("expected usage hint in %q", msg)
	}
	if err.Context["argument"] != "frobnicate" {
		t.Errorf("expected argument context, got %v", err.Context)
	}

	cfgErr := NewConfigError(fmt.Errorf("yaml: line 3"), "hub.yaml")
	if !strings.Contains(cfgErr.Hint, "hub.yaml") {
		t.Errorf("expected hint to name the file, got %q", cfgErr.Hint)
	}
	if !strings.Contains(NewConfigError(fmt.Errorf("bad"), "").Hint, "MCPHUB_") {
		t.Error("expected env hint without a config file")
	}
}

func TestWrapRunError(t *testing.T) {
	cfg := &config.Config{Workers: config.WorkersConfig{Root: "/nowhere"}}

	rootErr := errors.New(errors.CodeRootNotFound, "worker root not found", nil)
	wrapped := wrapRunError(fmt.Errorf("start: %w", rootErr), cfg)
	if wrapped.Code != errors.CodeRootNotFound {
		t.Errorf("expected ROOT_NOT_FOUND, got %s", wrapped.Code)
	}
	if !strings.Contains(wrapped.Hint, "/nowhere") || !strings.Contains(wrapped.Hint, "--root") {
		t.Errorf("unexpected hint %q", wrapped.Hint)
	}

	cancelled := wrapRunError(errors.New(errors.CodeCancelled, "startup interrupted", context.DeadlineExceeded), cfg)
	if cancelled.Code != errors.CodeCancelled || !strings.Contains(cancelled.Hint, "--timeout") {
		t.Errorf("expected CANCELLED with a timeout hint, got %s %q", cancelled.Code, cancelled.Hint)
	}

	plain := wrapRunError(fmt.Errorf("disk full"), cfg)
	if plain.Code != errors.CodeInternal || plain.Hint != "" {
		t.Errorf("expected internal error without hint, got %s %q", plain.Code, plain.Hint)
	}
}

func TestCatalog(t *testing.T) {
	ix, _ := hub.BuildIndex([]string{"a", "b"}, map[string][]protocol.Tool{
		"a": {{Name: "x", Raw: json.RawMessage(`{"name":"x","description":"does x"}`)}},
		"b": {{Name: "y", Raw: json.RawMessage(`{"name":"y"}`)}},
	})

	got := catalog(ix)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0] != (catalogEntry{Name: "x", Worker: "a", Description: "does x"}) {
		t.Errorf("unexpected first entry %+v", got[0])
	}
	if got[1] != (catalogEntry{Name: "y", Worker: "b"}) {
		t.Errorf("unexpected second entry %+v", got[1])
	}
	if len(catalog(nil)) != 0 {
		t.Error("expected empty catalog for nil index")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("a  b\nc", 10); got != "a b c" {
		t.Errorf("expected whitespace folded, got %q", got)
	}
	if got := truncate(strings.Repeat("é", 20), 10); got != strings.Repeat("é", 7)+"..." {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeCell(t *testing.T) {
	if got := normalizeCell("  "); got != "-" {
		t.Errorf("expected dash for empty cell, got %q", got)
	}
	if got := normalizeCell("a\tb"); got != "a b" {
		t.Errorf("got %q", got)
	}
}
