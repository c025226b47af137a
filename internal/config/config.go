// ABOUTME: Configuration loading and parsing for zulip-bridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backends accepted by database.db_type.
const (
	DBTypeSQLite   = "sqlite"
	DBTypePostgres = "postgres"
	DBTypeMySQL    = "mysql"
)

// Member sync policies accepted by zulip.member_sync.
const (
	MemberSyncFull = "full"
	MemberSyncHalf = "half"
	MemberSyncNone = "none"
)

// Zulip event transports accepted by zulip.transport.
const (
	TransportPoll      = "poll"
	TransportWebSocket = "websocket"
)

// Config represents the complete zulip-bridge configuration
type Config struct {
	Bridge       BridgeConfig       `yaml:"bridge"`
	Database     DatabaseConfig     `yaml:"database"`
	Registration RegistrationConfig `yaml:"registration"`
	Zulip        ZulipConfig        `yaml:"zulip"`
	Room         RoomConfig         `yaml:"room"`
	Limits       LimitsConfig       `yaml:"limits"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// BridgeConfig holds the homeserver connection and listener settings
type BridgeConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	Domain        string `yaml:"domain"`
	BindAddress   string `yaml:"bind_address"`
	Port          int    `yaml:"port"`
	Owner         string `yaml:"owner"`       // MXID invited into rooms the bridge creates
	UnsafeMode    bool   `yaml:"unsafe_mode"` // allow the bridge to leave/purge rooms when the bot is removed
}

// DatabaseConfig holds mapping-store configuration
type DatabaseConfig struct {
	Type           string `yaml:"db_type"`
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

// RegistrationConfig holds the appservice identity shared with the homeserver
type RegistrationConfig struct {
	BridgeID        string `yaml:"bridge_id"`
	SenderLocalpart string `yaml:"sender_localpart"`
	AppserviceToken string `yaml:"appservice_token"`
	HomeserverToken string `yaml:"homeserver_token"`
}

// OrganizationConfig describes one Zulip organization the bridge connects to
type OrganizationConfig struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	Site              string `yaml:"site"`
	Email             string `yaml:"email"`
	APIKey            string `yaml:"api_key"`
	MaxBackfillAmount int    `yaml:"max_backfill_amount"`
}

// ZulipConfig holds puppeting and event-transport settings
type ZulipConfig struct {
	PuppetSeparator   string               `yaml:"puppet_separator"`
	PuppetPrefix      string               `yaml:"puppet_prefix"`
	MemberSync        string               `yaml:"member_sync"`
	MaxBackfillAmount int                  `yaml:"max_backfill_amount"`
	Transport         string               `yaml:"transport"`
	Organizations     []OrganizationConfig `yaml:"organizations"`

	PollInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
}

// RoomConfig holds policy for rooms the bridge creates
type RoomConfig struct {
	DefaultVisibility string `yaml:"default_visibility"`
	RoomAliasPrefix   string `yaml:"room_alias_prefix"`
	DefaultTopic      string `yaml:"default_topic"` // Zulip topic used for rooms mapped stream-wide
	AuthorPrefix      bool   `yaml:"author_prefix"` // prefix the Matrix author into relayed Zulip bodies
}

// LimitsConfig holds admission and retention limits
type LimitsConfig struct {
	// MatrixEventAgeLimitMS is a pointer so an explicit 0 (gate disabled)
	// survives defaulting.
	MatrixEventAgeLimitMS *int64 `yaml:"matrix_event_age_limit_ms"`
	RoomCount             int    `yaml:"room_count"`
	EventRetentionDays    int    `yaml:"event_retention_days"`

	SweepInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// AgeLimitMS returns the configured event age limit in milliseconds.
// Values <= 0 disable the age gate.
func (l LimitsConfig) AgeLimitMS() int64 {
	if l.MatrixEventAgeLimitMS == nil {
		return defaultAgeLimitMS
	}
	return *l.MatrixEventAgeLimitMS
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultBindAddress    = "127.0.0.1"
	defaultPort           = 28464
	defaultBridgeID       = "zulipbridge"
	defaultLocalpart      = "zulipbridge"
	defaultAgeLimitMS     = 900_000
	defaultRetentionDays  = 7
	defaultSweepInterval  = 24 * time.Hour
	defaultPollInterval   = 5 * time.Second
	defaultMaxBackfill    = 100
	defaultMaxConnections = 10
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var sections map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(expandedData), &sections); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	for _, name := range []string{"bridge", "database", "registration", "zulip", "room", "limits"} {
		if _, ok := sections[name]; !ok {
			return nil, fmt.Errorf("config section %q is required", name)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in stable defaults for every optional key.
func (c *Config) applyDefaults() {
	if c.Bridge.BindAddress == "" {
		c.Bridge.BindAddress = defaultBindAddress
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = defaultPort
	}

	if c.Database.Type == "" {
		c.Database.Type = DBTypeSQLite
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = defaultMaxConnections
	}

	if c.Registration.BridgeID == "" {
		c.Registration.BridgeID = defaultBridgeID
	}
	if c.Registration.SenderLocalpart == "" {
		c.Registration.SenderLocalpart = defaultLocalpart
	}

	if c.Zulip.PuppetSeparator == "" {
		c.Zulip.PuppetSeparator = "_"
	}
	if c.Zulip.PuppetPrefix == "" {
		c.Zulip.PuppetPrefix = "zulip_"
	}
	if c.Zulip.MemberSync == "" {
		c.Zulip.MemberSync = MemberSyncHalf
	}
	if c.Zulip.MaxBackfillAmount == 0 {
		c.Zulip.MaxBackfillAmount = defaultMaxBackfill
	}
	if c.Zulip.Transport == "" {
		c.Zulip.Transport = TransportPoll
	}
	if c.Zulip.PollInterval == 0 {
		c.Zulip.PollInterval = defaultPollInterval
	}
	for i := range c.Zulip.Organizations {
		if c.Zulip.Organizations[i].MaxBackfillAmount == 0 {
			c.Zulip.Organizations[i].MaxBackfillAmount = c.Zulip.MaxBackfillAmount
		}
	}

	if c.Room.DefaultVisibility == "" {
		c.Room.DefaultVisibility = "private"
	}
	if c.Room.DefaultTopic == "" {
		c.Room.DefaultTopic = "(no topic)"
	}

	if c.Limits.MatrixEventAgeLimitMS == nil {
		limit := int64(defaultAgeLimitMS)
		c.Limits.MatrixEventAgeLimitMS = &limit
	}
	if c.Limits.EventRetentionDays == 0 {
		c.Limits.EventRetentionDays = defaultRetentionDays
	}
	if c.Limits.SweepInterval == 0 {
		c.Limits.SweepInterval = defaultSweepInterval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// GhostPrefix returns the localpart prefix ghost users are registered under,
// e.g. "_zulip_" for the default separator and puppet prefix.
func (c *Config) GhostPrefix() string {
	return c.Zulip.PuppetSeparator + c.Zulip.PuppetPrefix
}

// ListenAddr returns the bind address for the appservice HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bridge.BindAddress, c.Bridge.Port)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error naming the full dotted key path of the first failure.
func (c *Config) Validate() error {
	if c.Bridge.HomeserverURL == "" {
		return fmt.Errorf("bridge.homeserver_url is required")
	}
	if c.Bridge.Domain == "" {
		return fmt.Errorf("bridge.domain is required")
	}
	if c.Bridge.Port < 1 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be between 1 and 65535")
	}

	switch c.Database.Type {
	case DBTypeSQLite, DBTypePostgres, DBTypeMySQL:
	default:
		return fmt.Errorf("database.db_type must be one of sqlite, postgres, mysql")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if c.Registration.AppserviceToken == "" {
		return fmt.Errorf("registration.appservice_token is required")
	}
	if c.Registration.HomeserverToken == "" {
		return fmt.Errorf("registration.homeserver_token is required")
	}

	switch c.Zulip.MemberSync {
	case MemberSyncFull, MemberSyncHalf, MemberSyncNone:
	default:
		return fmt.Errorf("zulip.member_sync must be one of full, half, none")
	}
	switch c.Zulip.Transport {
	case TransportPoll, TransportWebSocket:
	default:
		return fmt.Errorf("zulip.transport must be one of poll, websocket")
	}
	if len(c.Zulip.Organizations) == 0 {
		return fmt.Errorf("zulip.organizations must contain at least one organization")
	}
	for i, org := range c.Zulip.Organizations {
		if org.ID == "" {
			return fmt.Errorf("zulip.organizations[%d].id is required", i)
		}
		if org.Name == "" {
			return fmt.Errorf("zulip.organizations[%d].name is required", i)
		}
		if org.Site == "" {
			return fmt.Errorf("zulip.organizations[%d].site is required", i)
		}
		if org.Email == "" {
			return fmt.Errorf("zulip.organizations[%d].email is required", i)
		}
		if org.APIKey == "" {
			return fmt.Errorf("zulip.organizations[%d].api_key is required", i)
		}
	}

	if c.Room.DefaultVisibility != "public" && c.Room.DefaultVisibility != "private" {
		return fmt.Errorf("room.default_visibility must be public or private")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Zulip.PollIntervalRaw != "" {
		cfg.Zulip.PollInterval, err = time.ParseDuration(cfg.Zulip.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Zulip.PollIntervalRaw, err)
		}
	}

	if cfg.Limits.SweepIntervalRaw != "" {
		cfg.Limits.SweepInterval, err = time.ParseDuration(cfg.Limits.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Limits.SweepIntervalRaw, err)
		}
	}

	return nil
}
