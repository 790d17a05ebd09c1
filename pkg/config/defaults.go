package config

import "time"

// DefaultSchedulerConfig returns the recommended scheduler tunables from spec §4.5.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ScanInterval:       1 * time.Second,
		IdleReprocessAfter: 240 * time.Second,
		GracePeriod:        60 * time.Second,
		GraceExtension:     120 * time.Second,
		MaxEventDuration:   45 * time.Minute,
		CleanupInterval:    1 * time.Hour,
	}
}

// DefaultProcessorConfig returns the recommended processor tunables from spec §4.6/§7.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		MaxToolChains:         8,
		RetryDefer:            5 * time.Minute,
		LLMStreamFailureDefer: 60 * time.Second,
	}
}

// DefaultDispatchConfig returns the recommended dispatch timeouts from spec §5.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		SelectionWaitTimeout: 30 * time.Second,
		DefaultTimeout:       10 * time.Minute,
	}
}

// DefaultLLMConfig returns a safe local-dev LLM target.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Backend: LLMBackendFake,
		Target:  "local",
		Timeout: 2 * time.Minute,
	}
}

// DefaultSecurityConfig returns the built-in forbidden-command patterns.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		Enabled: true,
		Patterns: []SecurityPattern{
			{Pattern: `(?i)\brm\s+-rf\s+/\b`, Description: "recursive delete of root"},
			{Pattern: `(?i)\bkubectl\s+delete\s+namespace\b`, Description: "namespace deletion"},
			{Pattern: `(?i)\bdrop\s+database\b`, Description: "database drop"},
		},
	}
}

// DefaultSlackConfig returns Slack notification defaults (disabled by default).
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}

// DefaultServerConfig returns the HTTP listener defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: ":8090",
	}
}

// DefaultRegistryConfig returns Agent Registry heartbeat defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
	}
}
