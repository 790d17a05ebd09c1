package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the complete brain.yaml file structure. Every
// section is optional; Initialize fills in unset fields from the built-in
// defaults before validating.
type YAMLConfig struct {
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Processor *ProcessorConfig `yaml:"processor"`
	Dispatch  *DispatchConfig  `yaml:"dispatch"`
	LLM       *LLMConfig       `yaml:"llm"`
	Security  *SecurityConfig  `yaml:"security"`
	Slack     *SlackConfig     `yaml:"slack"`
	Server    *ServerConfig    `yaml:"server"`
	Registry  *RegistryConfig  `yaml:"registry"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load brain.yaml from configDir (missing file is not an error; all
//     sections fall back to built-in defaults)
//  2. Expand environment variables
//  3. Merge user-provided sections onto built-in defaults
//  4. Validate all configuration
//  5. Return Config ready for use
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	yamlCfg, err := loadYAMLConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg, err := resolve(configDir, yamlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("configuration initialized",
		"llm_backend", cfg.LLM.Backend,
		"security_enabled", cfg.Security.Enabled,
		"slack_enabled", cfg.Slack.Enabled)
	return cfg, nil
}

func loadYAMLConfig(configDir string) (*YAMLConfig, error) {
	path := filepath.Join(configDir, "brain.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No user config at all: every section resolves from defaults.
			return &YAMLConfig{}, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// resolve merges each YAML section onto its built-in default, mirroring the
// merge-user-over-builtin idiom used everywhere else configuration is loaded
// in this codebase: start from the known-good shape, let the operator
// override only what they name.
func resolve(configDir string, y *YAMLConfig) (*Config, error) {
	scheduler := DefaultSchedulerConfig()
	if y.Scheduler != nil {
		if err := mergo.Merge(scheduler, y.Scheduler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge scheduler config: %w", err)
		}
	}

	processor := DefaultProcessorConfig()
	if y.Processor != nil {
		if err := mergo.Merge(processor, y.Processor, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge processor config: %w", err)
		}
	}

	dispatch := DefaultDispatchConfig()
	if y.Dispatch != nil {
		if err := mergo.Merge(dispatch, y.Dispatch, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge dispatch config: %w", err)
		}
	}

	llm := DefaultLLMConfig()
	if y.LLM != nil {
		if err := mergo.Merge(llm, y.LLM, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge llm config: %w", err)
		}
	}

	security := DefaultSecurityConfig()
	if y.Security != nil {
		// Patterns are replaced wholesale, not merged element-by-element:
		// a user who names security.patterns wants exactly that list.
		security.Enabled = y.Security.Enabled
		if len(y.Security.Patterns) > 0 {
			security.Patterns = y.Security.Patterns
		}
	}

	slackCfg := DefaultSlackConfig()
	if y.Slack != nil {
		if err := mergo.Merge(slackCfg, y.Slack, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge slack config: %w", err)
		}
	}

	server := DefaultServerConfig()
	if y.Server != nil {
		if err := mergo.Merge(server, y.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}

	registry := DefaultRegistryConfig()
	if y.Registry != nil {
		if err := mergo.Merge(registry, y.Registry, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge registry config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if y.Retention != nil {
		if err := mergo.Merge(retention, y.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	return &Config{
		configDir: configDir,
		Scheduler: scheduler,
		Processor: processor,
		Dispatch:  dispatch,
		LLM:       llm,
		Security:  security,
		Slack:     slackCfg,
		Server:    server,
		Registry:  registry,
		Retention: retention,
	}, nil
}
