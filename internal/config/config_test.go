package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestConfigData tests configuration data, defaults, edge cases, and validation
func TestConfigData(t *testing.T) {
	tests := []struct {
		name       string
		config     *AppConfig
		configTOML string
		setupFunc  func(*AppConfig)
		expectErr  bool
		validate   func(*testing.T, *AppConfig)
	}{
		{
			name:   "default config",
			config: DefaultConfig(),
			validate: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, "localhost:9189", c.Server.ListenAddress)
				assert.Equal(t, "etw_listener", c.Session.Name)
				assert.Equal(t, uint32(512), c.Session.BufferSizeKB)
				assert.Equal(t, uint32(40), c.Session.MinimumBuffers)
				assert.Equal(t, uint32(160), c.Session.MaximumBuffers)
				assert.Equal(t, uint32(1), c.Session.FlushTimerSec)
				assert.Equal(t, 60*time.Second, c.Session.JoinTimeout.Duration)
				assert.Equal(t, 30*time.Second, c.Policy.InitialDelay.Duration)
				assert.Equal(t, 3*time.Minute, c.Policy.Interval.Duration)
				assert.False(t, c.SessionWatcher.Enabled)
				assert.Equal(t, 5*time.Second, c.SessionWatcher.RestartDelay.Duration)
				assert.Equal(t, 3, c.SessionWatcher.MaxRestarts)
				assert.Equal(t, 4096, c.Sink.QueueSize)
				assert.Equal(t, 2, c.Sink.Workers)
				assert.Equal(t, "xsync", c.Sink.MapBackend)
				assert.Equal(t, "info", c.Logging.Defaults.Level)
				assert.Len(t, c.Logging.Outputs, 4)
				assert.Len(t, c.Providers, 1)
			},
		},
		{
			name: "session and providers",
			configTOML: `
[session]
name = "my_session"
buffer_size_kb = 64
minimum_buffers = 4
maximum_buffers = 8
join_timeout = "5s"
string_diagnostics = true

[[providers]]
name = "Kernel-Process"
guid = "{22FB2CD6-0E7B-422B-A0C7-2FAD1FD0E716}"
level = "verbose"
match_any_keyword = 0x10
stack_trace = true
pid = 1234

[[providers]]
name = "Kernel-File"
guid = "EDD08927-9CC4-4E65-B970-C2560FB5C289"
level = "4"
process_name = "notepad.exe"
`,
			validate: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, "my_session", c.Session.Name)
				assert.Equal(t, uint32(64), c.Session.BufferSizeKB)
				assert.Equal(t, 5*time.Second, c.Session.JoinTimeout.Duration)
				assert.True(t, c.Session.StringDiagnostics)
				// Unset keys keep their defaults.
				assert.Equal(t, uint32(1), c.Session.FlushTimerSec)

				require.Len(t, c.Providers, 2)
				assert.Equal(t, "Kernel-Process", c.Providers[0].Name)
				assert.Equal(t, uint64(0x10), c.Providers[0].MatchAnyKeyword)
				assert.True(t, c.Providers[0].StackTrace)
				assert.Equal(t, uint32(1234), c.Providers[0].PID)
				assert.Equal(t, "notepad.exe", c.Providers[1].ProcessName)
			},
		},
		{
			name: "well-known provider without guid",
			configTOML: `
[[providers]]
name = "Microsoft-Windows-Kernel-Network"
level = "verbose"

[session_watcher]
enabled = true
restart_delay = "1s"
max_restarts = 5

[sink]
workers = 4
map_backend = "cornelk"
`,
			validate: func(t *testing.T, c *AppConfig) {
				require.Len(t, c.Providers, 1)
				assert.Empty(t, c.Providers[0].GUID)
				assert.True(t, c.SessionWatcher.Enabled)
				assert.Equal(t, time.Second, c.SessionWatcher.RestartDelay.Duration)
				assert.Equal(t, 5, c.SessionWatcher.MaxRestarts)
				assert.Equal(t, 4, c.Sink.Workers)
				assert.Equal(t, 4096, c.Sink.QueueSize)
				assert.Equal(t, "cornelk", c.Sink.MapBackend)
			},
		},
		{
			name: "custom logging config",
			configTOML: `
[logging]
listener_level = "debug"

[logging.defaults]
level = "debug"

[[logging.outputs]]
type = "console"
enabled = true

[[logging.outputs]]
type = "file"
enabled = true
[logging.outputs.file]
filename = "app.log"
`,
			validate: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, "debug", c.Logging.Defaults.Level)
				assert.Equal(t, "debug", c.Logging.ListenerLevel)
				require.Len(t, c.Logging.Outputs, 2)
				assert.Equal(t, "console", c.Logging.Outputs[0].Type)
				// Providers not present in the file keep the default list.
				assert.Len(t, c.Providers, 1)
			},
		},
		{
			name:      "invalid empty listen address",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Server.ListenAddress = "" },
			expectErr: true,
		},
		{
			name:      "invalid empty session name",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Session.Name = "" },
			expectErr: true,
		},
		{
			name:      "invalid session name too long",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Session.Name = strings.Repeat("s", maxSessionNameLen+1) },
			expectErr: true,
		},
		{
			name:      "session name at the limit",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Session.Name = strings.Repeat("s", maxSessionNameLen) },
		},
		{
			name:   "invalid buffer range",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Session.MinimumBuffers = 200
				c.Session.MaximumBuffers = 100
			},
			expectErr: true,
		},
		{
			name:      "invalid zero buffer size",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Session.BufferSizeKB = 0 },
			expectErr: true,
		},
		{
			name:      "invalid provider guid",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Providers[0].GUID = "not-a-guid" },
			expectErr: true,
		},
		{
			name:   "invalid unknown provider without guid",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Providers[0].Name = "Contoso-Provider"
				c.Providers[0].GUID = ""
			},
			expectErr: true,
		},
		{
			name:   "invalid watcher max restarts",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.SessionWatcher.Enabled = true
				c.SessionWatcher.MaxRestarts = 0
			},
			expectErr: true,
		},
		{
			name:      "invalid sink map backend",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Sink.MapBackend = "sharded" },
			expectErr: true,
		},
		{
			name:      "invalid sink workers",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Sink.Workers = 0 },
			expectErr: true,
		},
		{
			name:      "invalid provider level",
			config:    DefaultConfig(),
			setupFunc: func(c *AppConfig) { c.Providers[0].Level = "loud" },
			expectErr: true,
		},
		{
			name:   "invalid pid with process name",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Providers[0].PID = 4
				c.Providers[0].ProcessName = "system"
			},
			expectErr: true,
		},
		{
			name:   "invalid policy interval",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Policy.Enabled = true
				c.Policy.Interval = Duration{}
			},
			expectErr: true,
		},
		{
			name:   "invalid no outputs enabled",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				for i := range c.Logging.Outputs {
					c.Logging.Outputs[i].Enabled = false
				}
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg *AppConfig
			if tt.config != nil {
				cfg = tt.config
				if tt.setupFunc != nil {
					tt.setupFunc(cfg)
				}
			} else {
				var err error
				cfg, err = LoadConfig(writeConfig(t, tt.configTOML))
				require.NoError(t, err)
			}

			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

// TestLoadConfig tests loading configurations with fallbacks and validation
func TestLoadConfig(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("missing file returns defaults and an error", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.toml"))
		assert.Error(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "etw_listener", cfg.Session.Name)
	})

	t.Run("invalid TOML returns error", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, `
[server]
listen_address = ":8080"
invalid_syntax [
`))
		assert.Error(t, err)
	})

	t.Run("unknown key returns error", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, `
[session]
name = "s"
buffer_size = 64
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session.buffer_size")
	})

	t.Run("invalid duration returns error", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, `
[session]
join_timeout = "soon"
`))
		assert.Error(t, err)
	})
}

// TestSaveConfig tests saving configurations
func TestSaveConfig(t *testing.T) {
	t.Run("save and load roundtrip", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "subdir", "test.toml")

		original := DefaultConfig()
		original.Server.ListenAddress = ":7777"
		original.Session.JoinTimeout = Duration{15 * time.Second}
		original.Providers[0].PID = 4
		original.Logging.Defaults.Level = "debug"

		require.NoError(t, SaveConfig(configPath, original))

		loaded, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, ":7777", loaded.Server.ListenAddress)
		assert.Equal(t, 15*time.Second, loaded.Session.JoinTimeout.Duration)
		assert.Equal(t, original.Providers, loaded.Providers)
		assert.Equal(t, "debug", loaded.Logging.Defaults.Level)
	})

	t.Run("invalid path", func(t *testing.T) {
		assert.Error(t, SaveConfig("\x00invalid", DefaultConfig()))
	})
}

// TestConfigGenerator tests configuration generation
func TestConfigGenerator(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "example.toml")
	require.NoError(t, GenerateExampleConfig(configPath))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err, "generated config must load")
	assert.NoError(t, cfg.Validate())

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "ETW Listener Example Configuration")
	assert.Contains(t, string(content), "[[providers]]")
}
