package config

import "time"

// SchedulerConfig holds the Event Scheduler's timing tunables (spec §4.5/§6).
type SchedulerConfig struct {
	ScanInterval       time.Duration `yaml:"scan_interval" validate:"required"`
	IdleReprocessAfter time.Duration `yaml:"idle_reprocess_after" validate:"required"`
	GracePeriod        time.Duration `yaml:"grace_period" validate:"required"`
	GraceExtension     time.Duration `yaml:"grace_extension" validate:"required"`
	MaxEventDuration   time.Duration `yaml:"max_event_duration" validate:"required"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" validate:"required"`
}

// ProcessorConfig holds the per-event LLM decision loop's tunables (spec §4.6/§7).
type ProcessorConfig struct {
	MaxToolChains         int           `yaml:"max_tool_chains" validate:"required,min=1"`
	RetryDefer            time.Duration `yaml:"retry_defer" validate:"required"`
	LLMStreamFailureDefer time.Duration `yaml:"llm_stream_failure_defer" validate:"required"`
}

// DispatchConfig holds Task Bridge / Agent Dispatcher timeouts (spec §5).
type DispatchConfig struct {
	SelectionWaitTimeout time.Duration            `yaml:"selection_wait_timeout" validate:"required"`
	DefaultTimeout       time.Duration            `yaml:"default_timeout" validate:"required"`
	RoleTimeouts         map[string]time.Duration `yaml:"role_timeouts,omitempty"`
}

// LLMConfig points the Processor's ChatPort at a backend.
type LLMConfig struct {
	Backend   LLMBackend    `yaml:"backend" validate:"required"`
	Target    string        `yaml:"target" validate:"required"`
	APIKeyEnv string        `yaml:"api_key_env,omitempty"`
	Timeout   time.Duration `yaml:"timeout" validate:"required"`
}

// LLMBackend selects which llmport.ChatPort implementation to construct.
type LLMBackend string

const (
	// LLMBackendGRPC drives a remote chat service over grpcchat.
	LLMBackendGRPC LLMBackend = "grpc"
	// LLMBackendFake uses the in-memory fake, for local/dev runs.
	LLMBackendFake LLMBackend = "fake"
)

// IsValid reports whether b is one of the known backends.
func (b LLMBackend) IsValid() bool {
	return b == LLMBackendGRPC || b == LLMBackendFake
}

// SecurityConfig drives pkg/security.Checker's forbidden-command scan.
type SecurityConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Patterns []SecurityPattern `yaml:"patterns,omitempty"`
}

// SecurityPattern is one forbidden-command regex rule.
type SecurityPattern struct {
	Pattern     string `yaml:"pattern" validate:"required"`
	Description string `yaml:"description,omitempty"`
}

// SlackConfig drives pkg/processor's notify_user_slack function.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// ServerConfig holds the HTTP/WebSocket listener settings for cmd/brain.
type ServerConfig struct {
	ListenAddr       string   `yaml:"listen_addr" validate:"required"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}

// RegistryConfig holds Agent Registry heartbeat tunables.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"required"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" validate:"required"`
}
