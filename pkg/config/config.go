package config

// Config is the umbrella configuration object produced by Initialize and
// threaded through cmd/brain's wiring of the scheduler, processor,
// dispatcher, registry, and API server.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Scheduler *SchedulerConfig
	Processor *ProcessorConfig
	Dispatch  *DispatchConfig
	LLM       *LLMConfig
	Security  *SecurityConfig
	Slack     *SlackConfig
	Server    *ServerConfig
	Registry  *RegistryConfig
	Retention *RetentionConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}
