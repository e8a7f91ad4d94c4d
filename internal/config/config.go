// Package config defines the root configuration for mautrix-max and loads
// it from a YAML file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mautrix-max.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Max        MaxConfig        `yaml:"max"`
	MergeChat  MergeChatConfig  `yaml:"mergechat"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// HomeserverConfig contains Matrix homeserver connection settings.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppServiceConfig contains application service settings.
type AppServiceConfig struct {
	Address         string    `yaml:"address"`
	Hostname        string    `yaml:"hostname"`
	Port            int       `yaml:"port"`
	ID              string    `yaml:"id"`
	Bot             BotConfig `yaml:"bot"`
	ASToken         string    `yaml:"as_token"`
	HSToken         string    `yaml:"hs_token"`
	EphemeralEvents bool      `yaml:"ephemeral_events"`
}

// BotConfig contains the bridge bot user settings.
type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
	Avatar      string `yaml:"avatar"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// BridgeConfig contains bridge-specific settings.
type BridgeConfig struct {
	Permissions         map[string]string     `yaml:"permissions"`
	UsernameTemplate    string                `yaml:"username_template"`
	DisplaynameTemplate string                `yaml:"displayname_template"`
	MessageHandling     MessageHandlingConfig `yaml:"message_handling"`
	Provisioning        ProvisioningConfig    `yaml:"provisioning"`
	RateLimit           RateLimitConfig       `yaml:"rate_limit"`
	Media               MediaConfig           `yaml:"media"`
}

// MessageHandlingConfig controls message processing behavior.
type MessageHandlingConfig struct {
	MaxMessageAge    int  `yaml:"max_message_age"`
	DeliveryReceipts bool `yaml:"delivery_receipts"`
	SendReadReceipts bool `yaml:"send_read_receipts"`
	SyncDirectChat   bool `yaml:"sync_direct_chat_list"`
	Mentions         bool `yaml:"mentions"`
}

// ProvisioningConfig controls the HTTP login/provisioning API (C8).
type ProvisioningConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Prefix       string `yaml:"prefix"`
	SharedSecret string `yaml:"shared_secret"`
}

// RateLimitConfig holds limits for outgoing messages, media, API calls and
// login attempts. The values are given defaults but no bridge code reads
// them, so nothing is rate limited by them.
type RateLimitConfig struct {
	MessagesPerMinute int `yaml:"messages_per_minute"`
	MediaPerMinute    int `yaml:"media_per_minute"`
	APICallsPerMinute int `yaml:"api_calls_per_minute"`
	LoginPerHour      int `yaml:"login_attempts_per_hour"`
}

// MediaConfig controls media processing settings.
type MediaConfig struct {
	MaxFileSize    int64  `yaml:"max_file_size"`
	VoiceConverter string `yaml:"voice_converter"`
	ImageQuality   int    `yaml:"image_quality"`
	VideoThumbnail bool   `yaml:"video_thumbnail"`
}

// MaxConfig holds connection settings for the upstream Max Messenger APIs.
type MaxConfig struct {
	ConnectionMode string `yaml:"connection_mode"` // "bot" or "user"
	BotToken       string `yaml:"bot_token"`
	APIURL         string `yaml:"api_url"`
	WSURL          string `yaml:"ws_url"`
	PollingTimeout int    `yaml:"polling_timeout"`
}

// MergeChatConfig holds license-probe settings (spec §5's license check).
type MergeChatConfig struct {
	LicenseKey string `yaml:"license_key"`
	ServerID   string `yaml:"server_id"`
	APIURL     string `yaml:"api_url"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	MinLevel string         `yaml:"min_level"`
	Writers  []LoggerWriter `yaml:"writers"`
}

// LoggerWriter describes a single log output target.
type LoggerWriter struct {
	Type       string `yaml:"type"`
	Format     string `yaml:"format"`
	Filename   string `yaml:"filename,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// MetricsConfig controls Prometheus-format metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.Port == 0 {
		c.AppService.Port = 29350
	}
	if c.AppService.ID == "" {
		c.AppService.ID = "max"
	}
	if c.AppService.Bot.Username == "" {
		c.AppService.Bot.Username = "maxbot"
	}
	if c.AppService.ASToken == "" {
		return fmt.Errorf("appservice.as_token is required")
	}
	if c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.hs_token is required")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	// Bridge defaults
	if c.Bridge.UsernameTemplate == "" {
		c.Bridge.UsernameTemplate = "max_{userid}"
	}
	if !strings.Contains(c.Bridge.UsernameTemplate, "{userid}") {
		return fmt.Errorf("bridge.username_template must contain {userid}")
	}
	if c.Bridge.DisplaynameTemplate == "" {
		c.Bridge.DisplaynameTemplate = "{displayname} (Max)"
	}
	if c.Bridge.RateLimit.MessagesPerMinute == 0 {
		c.Bridge.RateLimit.MessagesPerMinute = 30
	}
	if c.Bridge.RateLimit.MediaPerMinute == 0 {
		c.Bridge.RateLimit.MediaPerMinute = 10
	}
	if c.Bridge.RateLimit.APICallsPerMinute == 0 {
		c.Bridge.RateLimit.APICallsPerMinute = 60
	}
	if c.Bridge.RateLimit.LoginPerHour == 0 {
		c.Bridge.RateLimit.LoginPerHour = 10
	}
	if c.Bridge.Media.MaxFileSize == 0 {
		c.Bridge.Media.MaxFileSize = 100 * 1024 * 1024 // 100MB
	}
	if c.Bridge.Media.ImageQuality == 0 {
		c.Bridge.Media.ImageQuality = 90
	}
	if c.Bridge.MessageHandling.MaxMessageAge == 0 {
		c.Bridge.MessageHandling.MaxMessageAge = 300
	}
	if c.Bridge.Provisioning.Prefix == "" {
		c.Bridge.Provisioning.Prefix = "/_matrix/provision"
	}
	if c.Bridge.Provisioning.Enabled && c.Bridge.Provisioning.SharedSecret == "" {
		return fmt.Errorf("bridge.provisioning.shared_secret is required when provisioning is enabled")
	}

	// Max connection defaults
	if c.Max.ConnectionMode == "" {
		c.Max.ConnectionMode = "bot"
	}
	if c.Max.ConnectionMode != "bot" && c.Max.ConnectionMode != "user" {
		return fmt.Errorf("max.connection_mode must be \"bot\" or \"user\"")
	}
	if c.Max.APIURL == "" {
		c.Max.APIURL = "https://platform-api.max.ru"
	}
	if c.Max.WSURL == "" {
		c.Max.WSURL = "wss://ws-api.oneme.ru/websocket"
	}
	if c.Max.PollingTimeout == 0 {
		c.Max.PollingTimeout = 30
	}
	if c.Max.ConnectionMode == "bot" && c.Max.BotToken == "" {
		return fmt.Errorf("max.bot_token is required when max.connection_mode is \"bot\"")
	}

	// Logging defaults
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}

	// Metrics defaults
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "0.0.0.0:9110"
	}

	return nil
}

// GenerateRegistration creates a Matrix appservice registration YAML.
func (c *Config) GenerateRegistration() string {
	return fmt.Sprintf(`id: %s
url: %s
as_token: %s
hs_token: %s
sender_localpart: %s
namespaces:
  users:
    - exclusive: true
      regex: '@max_.+:%s'
  aliases: []
  rooms: []
rate_limited: false
de.sorunome.msc2409.push_ephemeral: %t
push_ephemeral: %t
`,
		c.AppService.ID,
		c.AppService.Address,
		c.AppService.ASToken,
		c.AppService.HSToken,
		c.AppService.Bot.Username,
		regexEscape(c.Homeserver.Domain),
		c.AppService.EphemeralEvents,
		c.AppService.EphemeralEvents,
	)
}

func regexEscape(s string) string {
	return regexp.QuoteMeta(s)
}
