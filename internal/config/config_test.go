package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
models:
  default: llama3.3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 4321 {
		t.Errorf("Listen.Port = %d, want 4321", cfg.Listen.Port)
	}
	if cfg.Models.OllamaURL != "http://localhost:11434" {
		t.Errorf("OllamaURL = %q", cfg.Models.OllamaURL)
	}
	if cfg.Chat.MaxToolLoops != 25 {
		t.Errorf("MaxToolLoops = %d, want 25", cfg.Chat.MaxToolLoops)
	}
	if cfg.MQTT.TopicPrefix != "skiff" {
		t.Errorf("TopicPrefix = %q, want skiff", cfg.MQTT.TopicPrefix)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("SKIFF_TEST_KEY", "sk-abc123")
	path := writeConfig(t, `
models:
  default: claude-sonnet
anthropic:
  api_key: ${SKIFF_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-abc123" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Anthropic.APIKey)
	}
}

func TestLoadMCPServers(t *testing.T) {
	path := writeConfig(t, `
models:
  default: llama3.3
mcp_servers:
  - name: files
    command: mcp-files
    args: ["--root", "/tmp"]
  - name: search
    transport: http
    url: http://localhost:9090/rpc
    exclude: [dangerous_tool]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MCPServers) != 2 {
		t.Fatalf("MCPServers = %d, want 2", len(cfg.MCPServers))
	}
	// Omitted transport must come back as stdio, not empty, so every
	// consumer can switch on the transport without a special case.
	if cfg.MCPServers[0].Transport != "stdio" {
		t.Errorf("default transport = %q, want stdio", cfg.MCPServers[0].Transport)
	}
	if cfg.MCPServers[1].URL == "" {
		t.Error("http server URL not parsed")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing default model", `listen: {port: 8080}`},
		{"stdio without command", `
models: {default: m}
mcp_servers:
  - name: broken
`},
		{"http without url", `
models: {default: m}
mcp_servers:
  - name: broken
    transport: http
`},
		{"unknown transport", `
models: {default: m}
mcp_servers:
  - name: broken
    transport: carrier-pigeon
`},
		{"mqtt without broker", `
models: {default: m}
mqtt: {enabled: true}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Error("Load succeeded, want validation error")
			}
		})
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("FindConfig succeeded for missing explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"info", slog.LevelInfo, true},
		{"DEBUG", slog.LevelDebug, true},
		{"trace", LevelTrace, true},
		{"  warn  ", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}

	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParseLogLevel(%q): unexpected error %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tc.in)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
