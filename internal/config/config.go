// Package config handles Skiff configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/skiff/config.yaml, /etc/skiff/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "skiff", "config.yaml"))
	}

	paths = append(paths, "/etc/skiff/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Skiff configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Models      ModelsConfig      `yaml:"models"`
	Anthropic   AnthropicConfig   `yaml:"anthropic"`
	Chat        ChatConfig        `yaml:"chat"`
	AgentSync   AgentSyncConfig   `yaml:"agent_sync"`
	MCPServers  []MCPServerConfig `yaml:"mcp_servers"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	DataDir     string            `yaml:"data_dir"`
	CustomRules string            `yaml:"custom_rules"`
	LogLevel    string            `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`

	// Available maps model names to providers so MultiClient can route.
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's provider binding.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ChatConfig tunes the conversation pipeline.
type ChatConfig struct {
	// MaxToolLoops caps model→tool→model iterations per run. A run that
	// hits the cap fails rather than spinning forever. Default 25.
	MaxToolLoops int `yaml:"max_tool_loops"`

	// ModelRateLimit is the sustained model-call rate (requests/sec)
	// applied before every model invocation. Zero uses the default.
	ModelRateLimit float64 `yaml:"model_rate_limit"`

	// ModelRateBurst is the rate limiter burst size. Zero uses the default.
	ModelRateBurst int `yaml:"model_rate_burst"`
}

// AgentSyncConfig points at the external persona-activation API. The
// chat pipeline polls it at conversation start when the cached state
// is older than the resync interval.
type AgentSyncConfig struct {
	URL string `yaml:"url"`
}

// MCPServerConfig defines one MCP tool server connection.
type MCPServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio or http

	// Stdio transport settings.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// HTTP transport settings.
	URL string `yaml:"url"`

	// Include/Exclude filter which of the server's tools are registered.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// MQTTConfig defines the optional presence publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 4321
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Chat.MaxToolLoops == 0 {
		c.Chat.MaxToolLoops = 25
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "skiff"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "skiff"
	}
	for i := range c.MCPServers {
		if c.MCPServers[i].Transport == "" {
			c.MCPServers[i].Transport = "stdio"
		}
	}
}

func (c *Config) validate() error {
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	for i, s := range c.MCPServers {
		if s.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: name is required", i)
		}
		switch s.Transport {
		case "", "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp_servers[%d] (%s): command is required for stdio transport", i, s.Name)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("mcp_servers[%d] (%s): url is required for http transport", i, s.Name)
			}
		default:
			return fmt.Errorf("mcp_servers[%d] (%s): unknown transport %q", i, s.Name, s.Transport)
		}
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt.enabled is true")
	}
	return nil
}
