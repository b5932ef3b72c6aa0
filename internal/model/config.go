package model

// Config is the vault's config.yaml, overridable by TASKVAULT_* environment variables.
type Config struct {
	Vault        VaultConfig              `yaml:"vault"`
	Runtime      RuntimeConfig            `yaml:"runtime"`
	Orchestrator OrchestratorConfig       `yaml:"orchestrator"`
	Retry        RetryConfig              `yaml:"retry"`
	Health       HealthConfig             `yaml:"health"`
	Watchdog     WatchdogConfig           `yaml:"watchdog"`
	Watcher      WatcherConfig            `yaml:"watcher"`
	Mail         MailConfig               `yaml:"mail"`
	Agent        AgentConfig              `yaml:"agent"`
	Adapters     map[string]AdapterConfig `yaml:"adapters"`
	Schedules    []ScheduleConfig         `yaml:"schedules"`
	Status       StatusConfig             `yaml:"status"`
	Logging      LoggingConfig            `yaml:"logging"`
	Alerts       AlertsConfig             `yaml:"alerts"`
}

type VaultConfig struct {
	Root string `yaml:"root"`
}

// RuntimeConfig locates pid records and operational logs, relative to the vault root.
type RuntimeConfig struct {
	Dir string `yaml:"dir"`
}

type OrchestratorConfig struct {
	PollIntervalSec    int  `yaml:"poll_interval_sec"`
	MaxRounds          int  `yaml:"max_rounds"`
	AgentTimeoutSec    int  `yaml:"agent_timeout_sec"`
	AdapterTimeoutSec  int  `yaml:"adapter_timeout_sec"`
	ShutdownTimeoutSec int  `yaml:"shutdown_timeout_sec"`
	DryRun             bool `yaml:"dry_run"`
}

type RetryConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	BaseDelaySec int `yaml:"base_delay_sec"`
	MaxDelaySec  int `yaml:"max_delay_sec"`
}

type HealthConfig struct {
	Threshold int    `yaml:"threshold"`
	Persist   bool   `yaml:"persist"`
	StateFile string `yaml:"state_file"`
}

type WatchdogConfig struct {
	PollIntervalSec int               `yaml:"poll_interval_sec"`
	MaxRestarts     int               `yaml:"max_restarts"`
	WindowSec       int               `yaml:"window_sec"`
	Components      []ComponentConfig `yaml:"components"`
}

// ComponentConfig describes one supervised process. An empty Command runs the
// taskvault binary itself with Args.
type ComponentConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	Args    []string `yaml:"args"`
}

type WatcherConfig struct {
	InboxDir        string   `yaml:"inbox_dir"`
	Patterns        []string `yaml:"patterns"`
	PollIntervalSec int      `yaml:"poll_interval_sec"`
	DebounceMs      int      `yaml:"debounce_ms"`
}

type MailConfig struct {
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	Adapter         string `yaml:"adapter"`
	MaxMessages     int    `yaml:"max_messages"`
}

type AgentConfig struct {
	Backend         string   `yaml:"backend"`
	Command         []string `yaml:"command"`
	Model           string   `yaml:"model"`
	CapabilitiesDir string   `yaml:"capabilities_dir"`
	CompletionMark  string   `yaml:"completion_marker"`
}

// AdapterConfig configures one action adapter. Kind is command, http, or dry_run.
type AdapterConfig struct {
	Kind       string            `yaml:"kind"`
	Command    []string          `yaml:"command"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	RatePerSec float64           `yaml:"rate_per_sec"`
	Burst      int               `yaml:"burst"`
}

// ScheduleConfig creates a SCHEDULED task each time Cron fires.
type ScheduleConfig struct {
	Name   string `yaml:"name"`
	Cron   string `yaml:"cron"`
	Title  string `yaml:"title"`
	Body   string `yaml:"body"`
	Domain string `yaml:"domain"`
}

type StatusConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AlertsConfig struct {
	DesktopNotify bool `yaml:"desktop_notify"`
}

// Component names shared by pid records, the watchdog, and the event log source field.
const (
	ComponentOrchestrator = "orchestrator"
	ComponentInboxWatcher = "inbox_watcher"
	ComponentMailWatcher  = "mail_watcher"
	ComponentWatchdog     = "watchdog"
	ComponentScheduler    = "scheduler"
	ComponentQuarantine   = "quarantine"
	ComponentRetry        = "retry_handler"
)

// ApplyDefaults fills zero values with the built-in defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Vault.Root == "" {
		cfg.Vault.Root = "."
	}
	if cfg.Runtime.Dir == "" {
		cfg.Runtime.Dir = ".taskvault"
	}

	o := &cfg.Orchestrator
	if o.PollIntervalSec <= 0 {
		o.PollIntervalSec = 5
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = 50
	}
	if o.AgentTimeoutSec <= 0 {
		o.AgentTimeoutSec = 120
	}
	if o.AdapterTimeoutSec <= 0 {
		o.AdapterTimeoutSec = 60
	}
	if o.ShutdownTimeoutSec <= 0 {
		o.ShutdownTimeoutSec = 30
	}

	r := &cfg.Retry
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.BaseDelaySec <= 0 {
		r.BaseDelaySec = 1
	}
	if r.MaxDelaySec <= 0 {
		r.MaxDelaySec = 60
	}

	if cfg.Health.Threshold <= 0 {
		cfg.Health.Threshold = 3
	}
	if cfg.Health.StateFile == "" {
		cfg.Health.StateFile = "domain_health.yaml"
	}

	w := &cfg.Watchdog
	if w.PollIntervalSec <= 0 {
		w.PollIntervalSec = 15
	}
	if w.MaxRestarts <= 0 {
		w.MaxRestarts = 3
	}
	if w.WindowSec <= 0 {
		w.WindowSec = 300
	}
	if len(w.Components) == 0 {
		w.Components = []ComponentConfig{
			{Name: ComponentInboxWatcher, Args: []string{"watch-inbox"}},
			{Name: ComponentMailWatcher, Args: []string{"watch-mail"}},
			{Name: ComponentOrchestrator, Args: []string{"orchestrator"}},
		}
	}

	fw := &cfg.Watcher
	if fw.InboxDir == "" {
		fw.InboxDir = "Inbox"
	}
	if len(fw.Patterns) == 0 {
		fw.Patterns = []string{"**/*"}
	}
	if fw.PollIntervalSec <= 0 {
		fw.PollIntervalSec = 15
	}
	if fw.DebounceMs <= 0 {
		fw.DebounceMs = 500
	}

	m := &cfg.Mail
	if m.PollIntervalSec <= 0 {
		m.PollIntervalSec = 120
	}
	if m.Adapter == "" {
		m.Adapter = "email"
	}
	if m.MaxMessages <= 0 {
		m.MaxMessages = 10
	}

	a := &cfg.Agent
	if a.Backend == "" {
		a.Backend = "cli"
	}
	if len(a.Command) == 0 {
		a.Command = []string{"claude", "-p"}
	}
	if a.Model == "" {
		a.Model = "llama3.1"
	}
	if a.CapabilitiesDir == "" {
		a.CapabilitiesDir = "agent_skills"
	}
	if a.CompletionMark == "" {
		a.CompletionMark = "TASK_COMPLETE"
	}

	for name, ad := range cfg.Adapters {
		if ad.Kind == "" {
			ad.Kind = "command"
		}
		if ad.Burst <= 0 {
			ad.Burst = 1
		}
		cfg.Adapters[name] = ad
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}
