package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LULU_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "LULU_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "upstream.base_url", typ: kString, env: "LULU_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.api_key", typ: kString, env: "LULU_UPSTREAM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.APIKey },
	},
	{
		key: "upstream.timeout", typ: kInt, env: "LULU_UPSTREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Timeout = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.Timeout },
	},
	{
		key: "sandbox.python_bin", typ: kString, env: "LULU_SANDBOX_PYTHON_BIN",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.PythonBin = v.(string) },
		extract: func(cfg Config) any { return cfg.Sandbox.PythonBin },
	},
	{
		key: "sandbox.timeout", typ: kInt, env: "LULU_SANDBOX_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.Timeout = v.(int) },
		extract: func(cfg Config) any { return cfg.Sandbox.Timeout },
	},
	{
		key: "sandbox.artifact_dir", typ: kString, env: "LULU_SANDBOX_ARTIFACT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.ArtifactDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Sandbox.ArtifactDir },
	},
	{
		key: "sandbox.sweep_ttl", typ: kInt, env: "LULU_SANDBOX_SWEEP_TTL",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.SweepTTL = v.(int) },
		extract: func(cfg Config) any { return cfg.Sandbox.SweepTTL },
	},
	{
		key: "chat.prompt_suffix", typ: kString, env: "LULU_CHAT_PROMPT_SUFFIX",
		apply:   func(cfg *Config, v any) { cfg.Chat.PromptSuffix = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.PromptSuffix },
	},
	{
		key: "chat.title_limit", typ: kInt, env: "LULU_CHAT_TITLE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.TitleLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.TitleLimit },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LULU_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LULU_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
