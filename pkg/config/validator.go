package config

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Validator validates configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
	v   *validator.Validate
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg, v: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateAll performs comprehensive validation, fail-fast.
func (v *Validator) ValidateAll() error {
	if err := v.validateStruct("scheduler", v.cfg.Scheduler); err != nil {
		return err
	}
	if err := v.validateStruct("processor", v.cfg.Processor); err != nil {
		return err
	}
	if err := v.validateStruct("dispatch", v.cfg.Dispatch); err != nil {
		return err
	}
	if err := v.validateStruct("llm", v.cfg.LLM); err != nil {
		return err
	}
	if err := v.validateLLM(); err != nil {
		return err
	}
	if err := v.validateStruct("server", v.cfg.Server); err != nil {
		return err
	}
	if err := v.validateStruct("registry", v.cfg.Registry); err != nil {
		return err
	}
	if err := v.validateSecurity(); err != nil {
		return err
	}
	if err := v.validateRetention(); err != nil {
		return err
	}
	if err := v.validateSlack(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateStruct(component string, s any) error {
	if err := v.v.Struct(s); err != nil {
		return NewValidationError(component, "", fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	return nil
}

func (v *Validator) validateLLM() error {
	llm := v.cfg.LLM
	if !llm.Backend.IsValid() {
		return NewValidationError("llm", "backend", fmt.Errorf("%w: %q", ErrInvalidValue, llm.Backend))
	}
	if llm.Backend == LLMBackendGRPC && llm.Target == "" {
		return NewValidationError("llm", "target", fmt.Errorf("%w: grpc backend requires a target address", ErrMissingRequiredField))
	}
	return nil
}

func (v *Validator) validateSecurity() error {
	sec := v.cfg.Security
	if sec == nil {
		return nil
	}
	for _, p := range sec.Patterns {
		if p.Pattern == "" {
			return NewValidationError("security", "patterns", fmt.Errorf("%w: empty pattern", ErrMissingRequiredField))
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return NewValidationError("security", "patterns", fmt.Errorf("%w: %q: %v", ErrInvalidValue, p.Pattern, err))
		}
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return nil
	}
	if r.SessionRetentionDays < 0 {
		return NewValidationError("retention", "session_retention_days", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if r.EventTTL < 0 {
		return NewValidationError("retention", "event_ttl", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", fmt.Errorf("%w: must be > 0", ErrMissingRequiredField))
	}
	return nil
}

func (v *Validator) validateSlack() error {
	s := v.cfg.Slack
	if s == nil || !s.Enabled {
		return nil
	}
	if s.TokenEnv == "" {
		return NewValidationError("slack", "token_env", fmt.Errorf("%w: required when slack is enabled", ErrMissingRequiredField))
	}
	if s.Channel == "" {
		return NewValidationError("slack", "channel", fmt.Errorf("%w: required when slack is enabled", ErrMissingRequiredField))
	}
	return nil
}
