package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Trestle.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
	Homeserver  HomeserverConfig  `yaml:"homeserver"`
	Store       StoreConfig       `yaml:"store"`
	Bridges     BridgesConfig     `yaml:"bridges"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Resync      ResyncConfig      `yaml:"resync"`
	Disconnect  DisconnectConfig  `yaml:"disconnect"`
	Sync        SyncConfig        `yaml:"sync"`
	Reaper      ReaperConfig      `yaml:"reaper"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry Duration       `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig declares a static API key and the app user it acts as.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID int64  `yaml:"user_id"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// HomeserverConfig points at the Matrix homeserver that hosts the bridge
// bots. AdminSecret is the Synapse shared registration secret used to
// provision per-user accounts.
type HomeserverConfig struct {
	URL              string `yaml:"url"`
	AdminSecret      string `yaml:"admin_secret"`
	SessionStorePath string `yaml:"session_store_path"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// BridgesConfig names the bridge bot accounts on the homeserver. A network
// with no bot configured cannot be connected.
type BridgesConfig struct {
	WhatsApp BridgeBotConfig `yaml:"whatsapp"`
	Signal   BridgeBotConfig `yaml:"signal"`
}

type BridgeBotConfig struct {
	BotUserID string `yaml:"bot_user_id"`
}

// Bot returns the configured bridge bot MXID for a network, or "" when the
// network has none.
func (b BridgesConfig) Bot(network string) string {
	switch network {
	case "whatsapp":
		return b.WhatsApp.BotUserID
	case "signal":
		return b.Signal.BotUserID
	}
	return ""
}

// NegotiationConfig bounds the pairing negotiation: the invite/join
// handshake with the bridge bot and the poll loop that waits for the bot to
// produce a pairing code or QR code.
type NegotiationConfig struct {
	InviteSyncTimeout      Duration `yaml:"invite_sync_timeout"`
	JoinPollAttempts       int      `yaml:"join_poll_attempts"`
	JoinPollInterval       Duration `yaml:"join_poll_interval"`
	ArtifactPollIterations int      `yaml:"artifact_poll_iterations"`
	ArtifactSyncTimeout    Duration `yaml:"artifact_sync_timeout"`
	ArtifactPollDelay      Duration `yaml:"artifact_poll_delay"`
	RetryAttempts          int      `yaml:"retry_attempts"`
	RetryDelay             Duration `yaml:"retry_delay"`
	StoreSettleDelay       Duration `yaml:"store_settle_delay"`
	CleanupDelay           Duration `yaml:"cleanup_delay"`
}

// MonitorConfig bounds the post-pairing watch loop that waits for the bridge
// to report a logged-in session.
type MonitorConfig struct {
	Iterations   int      `yaml:"iterations"`
	SyncTimeout  Duration `yaml:"sync_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
	CommandDelay Duration `yaml:"command_delay"`
}

// ResyncConfig paces the manual resync operation: how long to let the sync
// loop spin up before issuing bridge commands, and the gap between commands.
type ResyncConfig struct {
	SyncStartDelay Duration `yaml:"sync_start_delay"`
	CommandDelay   Duration `yaml:"command_delay"`
}

type DisconnectConfig struct {
	CommandDelay   Duration `yaml:"command_delay"`
	SyncStartDelay Duration `yaml:"sync_start_delay"`
}

// SyncConfig controls the persistent per-user sync loop that runs after a
// bridge reaches the connected state.
type SyncConfig struct {
	RestartDelay Duration `yaml:"restart_delay"`
	ErrorBackoff Duration `yaml:"error_backoff"`
}

// ReaperConfig controls the sweep that deletes bridge records stuck in the
// connecting state, e.g. after a crash mid-negotiation.
type ReaperConfig struct {
	Schedule string   `yaml:"schedule"`
	TTL      Duration `yaml:"ttl"`
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "500ms" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar value")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = Duration(24 * time.Hour)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Homeserver.SessionStorePath == "" {
		cfg.Homeserver.SessionStorePath = "sessions"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "trestle.db"
	}

	if cfg.Negotiation.InviteSyncTimeout == 0 {
		cfg.Negotiation.InviteSyncTimeout = Duration(5 * time.Second)
	}
	if cfg.Negotiation.JoinPollAttempts == 0 {
		cfg.Negotiation.JoinPollAttempts = 15
	}
	if cfg.Negotiation.JoinPollInterval == 0 {
		cfg.Negotiation.JoinPollInterval = Duration(500 * time.Millisecond)
	}
	if cfg.Negotiation.ArtifactPollIterations == 0 {
		cfg.Negotiation.ArtifactPollIterations = 60
	}
	if cfg.Negotiation.ArtifactSyncTimeout == 0 {
		cfg.Negotiation.ArtifactSyncTimeout = Duration(1500 * time.Millisecond)
	}
	if cfg.Negotiation.ArtifactPollDelay == 0 {
		cfg.Negotiation.ArtifactPollDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Negotiation.RetryAttempts == 0 {
		cfg.Negotiation.RetryAttempts = 3
	}
	if cfg.Negotiation.RetryDelay == 0 {
		cfg.Negotiation.RetryDelay = Duration(2 * time.Second)
	}
	if cfg.Negotiation.StoreSettleDelay == 0 {
		cfg.Negotiation.StoreSettleDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Negotiation.CleanupDelay == 0 {
		cfg.Negotiation.CleanupDelay = Duration(3 * time.Second)
	}

	if cfg.Monitor.Iterations == 0 {
		cfg.Monitor.Iterations = 60
	}
	if cfg.Monitor.SyncTimeout == 0 {
		cfg.Monitor.SyncTimeout = Duration(10 * time.Second)
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = Duration(3 * time.Second)
	}
	if cfg.Monitor.CommandDelay == 0 {
		cfg.Monitor.CommandDelay = Duration(500 * time.Millisecond)
	}

	if cfg.Resync.SyncStartDelay == 0 {
		cfg.Resync.SyncStartDelay = Duration(2 * time.Second)
	}
	if cfg.Resync.CommandDelay == 0 {
		cfg.Resync.CommandDelay = Duration(2 * time.Second)
	}

	if cfg.Disconnect.CommandDelay == 0 {
		cfg.Disconnect.CommandDelay = Duration(5 * time.Second)
	}
	if cfg.Disconnect.SyncStartDelay == 0 {
		cfg.Disconnect.SyncStartDelay = Duration(2 * time.Second)
	}

	if cfg.Sync.RestartDelay == 0 {
		cfg.Sync.RestartDelay = Duration(1 * time.Second)
	}
	if cfg.Sync.ErrorBackoff == 0 {
		cfg.Sync.ErrorBackoff = Duration(30 * time.Second)
	}

	if cfg.Reaper.Schedule == "" {
		cfg.Reaper.Schedule = "@every 1m"
	}
	if cfg.Reaper.TTL == 0 {
		cfg.Reaper.TTL = Duration(10 * time.Minute)
	}
}

// Validate checks the parts of the configuration that have no usable
// defaults. It runs after applyDefaults, so zero counts mean the operator
// explicitly set a negative value.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Homeserver.URL) == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Negotiation.JoinPollAttempts < 1 {
		return fmt.Errorf("negotiation.join_poll_attempts must be at least 1")
	}
	if c.Negotiation.ArtifactPollIterations < 1 {
		return fmt.Errorf("negotiation.artifact_poll_iterations must be at least 1")
	}
	if c.Negotiation.RetryAttempts < 1 {
		return fmt.Errorf("negotiation.retry_attempts must be at least 1")
	}
	if c.Monitor.Iterations < 1 {
		return fmt.Errorf("monitor.iterations must be at least 1")
	}
	if c.Reaper.TTL < 0 {
		return fmt.Errorf("reaper.ttl must not be negative")
	}
	return nil
}
