// Package config loads service configuration from defaults, a JSON config
// file and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Sandbox  SandboxConfig
	Chat     ChatConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type UpstreamConfig struct {
	BaseURL string
	APIKey  string
	Timeout int // seconds; applies to blocking and streaming requests alike
}

type SandboxConfig struct {
	PythonBin   string
	Timeout     int // seconds
	ArtifactDir string
	SweepTTL    int // minutes; sandboxes older than this are reclaimed
}

type ChatConfig struct {
	PromptSuffix string // empty means the built-in instruction suffix
	TitleLimit   int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.dify.ai/v1",
			Timeout: 600,
		},
		Sandbox: SandboxConfig{
			PythonBin:   "python3",
			Timeout:     60,
			ArtifactDir: filepath.Join(dataDir, "plots"),
			SweepTTL:    60,
		},
		Chat: ChatConfig{
			TitleLimit: 250,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/luluchat/config.json, then applies LULU_* environment
// overrides. The upstream API key is a secret and comes from the environment
// only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Upstream.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: upstream API key. " +
			"Set it via environment variable LULU_UPSTREAM_API_KEY")
	}
	if cfg.Server.Token == "" {
		return Config{}, fmt.Errorf("missing required config: API bearer token. " +
			"Set it via environment variable LULU_SERVER_TOKEN")
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "luluchat-data"
		}
	}
	return filepath.Join(dir, "luluchat")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "luluchat", "config.json")
}
