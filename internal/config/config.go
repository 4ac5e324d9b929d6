package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/BurntSushi/toml"

	"etw_listener/internal/etw/guids"
	"etw_listener/internal/maps"
)

// Configuration system:
// - config.example.toml is generated with -generate-config
// - Use brief comments here for reference only

// maxSessionNameLen is the platform limit on session names, in UTF-16 units.
const maxSessionNameLen = 1023

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Real-time session configuration
	Session SessionConfig `toml:"session"`

	// Providers enabled on the session, in order
	Providers []ProviderConfig `toml:"providers"`

	// Collection policy configuration
	Policy PolicyConfig `toml:"policy"`

	// Restart of the session after an abnormal shutdown
	SessionWatcher SessionWatcherConfig `toml:"session_watcher"`

	// Host event sink
	Sink SinkConfig `toml:"sink"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9189")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// Duration is a time.Duration written as a Go duration string ("60s", "3m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// SessionConfig contains the real-time session settings
type SessionConfig struct {
	// Session name, unique system wide (default: "etw_listener")
	Name string `toml:"name"`

	// Buffer size in KB (default: 512)
	BufferSizeKB uint32 `toml:"buffer_size_kb"`

	// Minimum and maximum number of buffers (default: 40 and 160)
	MinimumBuffers uint32 `toml:"minimum_buffers"`
	MaximumBuffers uint32 `toml:"maximum_buffers"`

	// Flush timer in seconds (default: 1)
	FlushTimerSec uint32 `toml:"flush_timer_sec"`

	// How long End waits for the dispatch goroutine (default: "60s")
	JoinTimeout Duration `toml:"join_timeout"`

	// Sanitize strings read from events and log truncations (default: false)
	StringDiagnostics bool `toml:"string_diagnostics"`
}

// ProviderConfig describes one provider to enable.
type ProviderConfig struct {
	// Display name used in logs
	Name string `toml:"name"`

	// Provider GUID, braces optional. May be omitted for well-known
	// providers such as Microsoft-Windows-Kernel-Process.
	GUID string `toml:"guid,omitempty"`

	// Level name (critical, error, warning, information, verbose) or number
	Level string `toml:"level"`

	MatchAnyKeyword uint64 `toml:"match_any_keyword"`
	MatchAllKeyword uint64 `toml:"match_all_keyword"`

	// Attach a call stack to every event (default: false)
	StackTrace bool `toml:"stack_trace"`

	// Only deliver events logged by this process (default: 0, unfiltered)
	PID uint32 `toml:"pid"`

	// Resolved to a PID at startup; the first matching process is used
	ProcessName string `toml:"process_name,omitempty"`
}

// PolicyConfig contains the collection policy settings.
type PolicyConfig struct {
	// Enable policy polling (default: false)
	Enabled bool `toml:"enabled"`

	// Delay before the first check (default: "30s")
	InitialDelay Duration `toml:"initial_delay"`

	// Interval between checks (default: "3m")
	Interval Duration `toml:"interval"`

	// Stop once the log file reaches this size; 0 disables the check
	MaxDatabaseSizeMB int64 `toml:"max_database_size_mb"`

	// Stop when a debugger is attached to this process (default: false)
	StopWhenDebuggerAttached bool `toml:"stop_when_debugger_attached"`
}

// SessionWatcherConfig controls restarting the session after it was stopped
// from outside the process or its dispatch goroutine failed.
type SessionWatcherConfig struct {
	// Restart instead of shutting down (default: false)
	Enabled bool `toml:"enabled"`

	// Delay before each restart attempt (default: "5s")
	RestartDelay Duration `toml:"restart_delay"`

	// Give up after this many consecutive failed restarts (default: 3)
	MaxRestarts int `toml:"max_restarts"`
}

// SinkConfig controls the host's event sink.
type SinkConfig struct {
	// Cloned events waiting for a worker; more are dropped (default: 4096)
	QueueSize int `toml:"queue_size"`

	// Worker goroutines handling events (default: 2)
	Workers int `toml:"workers"`

	// Backend of the per-process counters: "xsync" or "cornelk" (default: "xsync")
	MapBackend string `toml:"map_backend"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`

	// Level for the listener core loggers: session lifecycle, dispatch and
	// record diagnostics (default: "info")
	ListenerLevel string `toml:"listener_level"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog", "eventlog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console  *ConsoleConfig  `toml:"console,omitempty"`
	File     *FileConfig     `toml:"file,omitempty"`
	Syslog   *SyslogConfig   `toml:"syslog,omitempty"`
	Eventlog *EventlogConfig `toml:"eventlog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "etw_listener")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// EventlogConfig contains Windows Event Log settings
type EventlogConfig struct {
	// Event source name (default: "ETW Listener")
	Source string `toml:"source"`

	// Event ID for log entries (default: 1000)
	ID int `toml:"id"`

	// Target host (default: local machine)
	Host string `toml:"host"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9189",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Session: SessionConfig{
			Name:           "etw_listener",
			BufferSizeKB:   512,
			MinimumBuffers: 40,
			MaximumBuffers: 160,
			FlushTimerSec:  1,
			JoinTimeout:    Duration{60 * time.Second},
		},
		Providers: []ProviderConfig{
			{
				Name:            "Microsoft-Windows-Kernel-Process",
				GUID:            "{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}",
				Level:           "information",
				MatchAnyKeyword: 0x10, // WINEVENT_KEYWORD_PROCESS
			},
		},
		Policy: PolicyConfig{
			Enabled:      false,
			InitialDelay: Duration{30 * time.Second},
			Interval:     Duration{3 * time.Minute},
		},
		SessionWatcher: SessionWatcherConfig{
			Enabled:      false,
			RestartDelay: Duration{5 * time.Second},
			MaxRestarts:  3,
		},
		Sink: SinkConfig{
			QueueSize:  4096,
			Workers:    2,
			MapBackend: string(maps.KindXSync),
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/etw_listener.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "etw_listener",
						Hostname: "",
						Marker:   "@cee:",
						Async:    true,
					},
				},
				{
					Type:    "eventlog",
					Enabled: false,
					Eventlog: &EventlogConfig{
						Source: "ETW Listener",
						ID:     1000,
						Host:   "",
						Async:  false,
					},
				},
			},
			ListenerLevel: "info",
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If no config file specified or doesn't exist, use defaults
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	// Providers in the file replace the defaults instead of merging by index.
	config.Providers = nil
	md, err := toml.DecodeFile(configPath, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if !md.IsDefined("providers") {
		config.Providers = DefaultConfig().Providers
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in config file %s: %s", configPath, strings.Join(keys, ", "))
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# ETW Listener Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Add one [[providers]] table per provider to enable. Providers are enabled
# in the order they appear.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	if err := c.Session.validate(); err != nil {
		return err
	}

	for i, p := range c.Providers {
		if err := p.validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
	}

	if c.Policy.Enabled {
		if c.Policy.Interval.Duration <= 0 {
			return fmt.Errorf("policy.interval must be positive")
		}
		if c.Policy.InitialDelay.Duration < 0 {
			return fmt.Errorf("policy.initial_delay cannot be negative")
		}
	}

	if c.SessionWatcher.Enabled {
		if c.SessionWatcher.RestartDelay.Duration < 0 {
			return fmt.Errorf("session_watcher.restart_delay cannot be negative")
		}
		if c.SessionWatcher.MaxRestarts < 1 {
			return fmt.Errorf("session_watcher.max_restarts must be at least 1")
		}
	}

	if c.Sink.QueueSize < 1 {
		return fmt.Errorf("sink.queue_size must be at least 1")
	}
	if c.Sink.Workers < 1 {
		return fmt.Errorf("sink.workers must be at least 1")
	}
	if _, err := maps.ParseKind(c.Sink.MapBackend); err != nil {
		return fmt.Errorf("sink.map_backend: %w", err)
	}

	// Validate that at least one output is enabled
	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

func (s *SessionConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("session.name cannot be empty")
	}
	if n := len(utf16.Encode([]rune(s.Name))); n > maxSessionNameLen {
		return fmt.Errorf("session.name is %d UTF-16 units long, the limit is %d", n, maxSessionNameLen)
	}
	if s.BufferSizeKB == 0 {
		return fmt.Errorf("session.buffer_size_kb must be positive")
	}
	if s.MaximumBuffers != 0 && s.MinimumBuffers > s.MaximumBuffers {
		return fmt.Errorf("session.minimum_buffers (%d) exceeds session.maximum_buffers (%d)",
			s.MinimumBuffers, s.MaximumBuffers)
	}
	if s.JoinTimeout.Duration < 0 {
		return fmt.Errorf("session.join_timeout cannot be negative")
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	if _, err := guids.Resolve(p.GUID, p.Name); err != nil {
		return fmt.Errorf("provider %q: %w", p.Name, err)
	}
	if p.Level != "" && !validLevel(p.Level) {
		return fmt.Errorf("invalid level %q", p.Level)
	}
	if p.PID != 0 && p.ProcessName != "" {
		return fmt.Errorf("pid and process_name are mutually exclusive")
	}
	return nil
}

func validLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always", "critical", "error", "warning", "information", "info", "verbose":
		return true
	}
	_, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	return err == nil
}

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
	SessionName    string
}

// NewConfig creates a new configuration by parsing flags and loading the config file.
func NewConfig() (*AppConfig, error) {
	flags := &Flags{}

	flag.StringVar(&flags.ListenAddress,
		"web.listen-address",
		":9189",
		"Address to listen on for web interface and telemetry.")
	flag.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	flag.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	flag.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	flag.StringVar(&flags.SessionName,
		"session.name",
		"etw_listener",
		"Name of the real-time trace session.")
	flag.Parse()

	// Handle config generation and exit.
	// We return a special error to signal that the program should exit cleanly.
	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Printf("Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil // Signal clean exit
	}

	config := DefaultConfig()

	if flags.ConfigPath != "" {
		var err error
		config, err = LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	// Override config with command-line flags if they were set by the user
	if isFlagPassed("web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if isFlagPassed("web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if isFlagPassed("session.name") {
		config.Session.Name = flags.SessionName
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
