// Package config loads a vault's config.yaml, applies TASKVAULT_* environment
// overrides, and fills in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/msageha/taskvault/internal/adapter"
	"github.com/msageha/taskvault/internal/agent"
	"github.com/msageha/taskvault/internal/model"
)

const (
	FileName  = "config.yaml"
	EnvPrefix = "TASKVAULT_"

	maxConfigFileSize = 1024 * 1024
)

// Load reads <root>/.env and <root>/config.yaml, both optional, then applies
// environment overrides. Variables already set in the environment win over .env.
//
//	TASKVAULT_ORCHESTRATOR_DRY_RUN=true -> orchestrator.dry_run
//	TASKVAULT_HEALTH_THRESHOLD=5        -> health.threshold
func Load(root string) (*model.Config, error) {
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	path := filepath.Join(root, FileName)
	content, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg model.Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Vault.Root = root
	model.ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps TASKVAULT_SECTION_FIELD_NAME to section.field_name. Section names never
// contain underscores, so the first one separates section from field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), maxConfigFileSize)
	}
	data := make([]byte, info.Size())
	if _, err := f.ReadAt(data, 0); err != nil && info.Size() > 0 {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}

// Validate rejects settings no component can act on.
func Validate(cfg *model.Config) error {
	var errs []error
	switch cfg.Agent.Backend {
	case agent.BackendCLI, agent.BackendOllama, agent.BackendDryRun:
	default:
		errs = append(errs, fmt.Errorf("agent.backend: unknown backend %q", cfg.Agent.Backend))
	}
	for name, a := range cfg.Adapters {
		switch a.Kind {
		case adapter.KindCommand:
			if len(a.Command) == 0 {
				errs = append(errs, fmt.Errorf("adapters.%s: command adapter needs a command", name))
			}
		case adapter.KindHTTP:
			if a.URL == "" {
				errs = append(errs, fmt.Errorf("adapters.%s: http adapter needs a url", name))
			}
		case adapter.KindDryRun:
		default:
			errs = append(errs, fmt.Errorf("adapters.%s: unknown kind %q", name, a.Kind))
		}
	}
	seen := make(map[string]bool)
	for _, c := range cfg.Watchdog.Components {
		if c.Name == "" {
			errs = append(errs, errors.New("watchdog.components: component without a name"))
			continue
		}
		if seen[c.Name] {
			errs = append(errs, fmt.Errorf("watchdog.components: duplicate component %q", c.Name))
		}
		seen[c.Name] = true
	}
	return errors.Join(errs...)
}

// RuntimeDir resolves the runtime directory holding pid records and process logs.
func RuntimeDir(cfg *model.Config) string {
	return resolve(cfg.Vault.Root, cfg.Runtime.Dir)
}

func InboxDir(cfg *model.Config) string {
	return resolve(cfg.Vault.Root, cfg.Watcher.InboxDir)
}

func CapabilitiesDir(cfg *model.Config) string {
	return resolve(cfg.Vault.Root, cfg.Agent.CapabilitiesDir)
}

func HealthStatePath(cfg *model.Config) string {
	return resolve(RuntimeDir(cfg), cfg.Health.StateFile)
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
