package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	HTTP     HTTPConfig     `yaml:"http"`
	Duty     DutyConfig     `yaml:"duty"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DiscordConfig struct {
	Token        string `yaml:"token" env:"DISCORD_TOKEN,required"`
	ClientID     string `yaml:"client_id" env:"DISCORD_CLIENT_ID,required"`
	LogChannelID string `yaml:"log_channel_id"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres or sqlite
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	DBName   string `yaml:"dbname" env:"DB_NAME"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE"`
	Path     string `yaml:"path"` // sqlite file, ":memory:" allowed
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr" env:"REDIS_ADDR"`
	Password     string `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int    `yaml:"db"`
	Stream       string `yaml:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

type HTTPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// ShiftType is a guild-configurable kind of shift. The default type is always
// usable; other types require one of RoleIDs.
type ShiftType struct {
	Name          string   `yaml:"name"`
	RoleIDs       []string `yaml:"role_ids"`
	OnDutyRoleID  string   `yaml:"on_duty_role_id"`
	OnBreakRoleID string   `yaml:"on_break_role_id"`
}

type DutyConfig struct {
	PromptMaxAge      time.Duration `yaml:"prompt_max_age"`
	PromptTimeout     time.Duration `yaml:"prompt_timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	SideEffectTimeout time.Duration `yaml:"side_effect_timeout"`
	WipeBatchSize     int           `yaml:"wipe_batch_size"`
	DefaultType       string        `yaml:"default_type"`
	Types             []ShiftType   `yaml:"types"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MaxTypeNameLength keeps button payloads under Discord's custom id limit.
const MaxTypeNameLength = 32

// Load reads path, substitutes ${VAR} placeholders from the environment and
// applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Replace environment variables in the YAML content
	content := string(data)
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 {
			continue
		}
		placeholder := "${" + pair[0] + "}"
		content = strings.ReplaceAll(content, placeholder, pair[1])
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	// Convert DB_PORT from string to int if it's an environment variable
	if portStr := os.Getenv("DB_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT value: %w", err)
		}
		cfg.Database.Port = port
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "duty:events"
	}
	if c.Redis.StreamMaxLen == 0 {
		c.Redis.StreamMaxLen = 10000
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Duty.PromptMaxAge == 0 {
		c.Duty.PromptMaxAge = 24 * time.Hour
	}
	if c.Duty.PromptTimeout == 0 {
		c.Duty.PromptTimeout = 15 * time.Minute
	}
	if c.Duty.CacheTTL == 0 {
		c.Duty.CacheTTL = 5 * time.Minute
	}
	if c.Duty.SideEffectTimeout == 0 {
		c.Duty.SideEffectTimeout = 10 * time.Second
	}
	if c.Duty.WipeBatchSize == 0 {
		c.Duty.WipeBatchSize = 200
	}
	if c.Duty.DefaultType == "" {
		c.Duty.DefaultType = "Default"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the settings each enabled component needs.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.DBName == "" {
			return fmt.Errorf("database: host and dbname are required for postgres")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database: path is required for sqlite")
		}
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required when enabled")
	}
	if c.HTTP.Enabled && c.HTTP.JWTSecret == "" {
		return fmt.Errorf("http: jwt_secret is required when enabled")
	}
	if c.Duty.WipeBatchSize < 0 {
		return fmt.Errorf("duty: wipe_batch_size must be positive")
	}

	seen := map[string]bool{strings.ToLower(c.Duty.DefaultType): true}
	if err := validateTypeName(c.Duty.DefaultType); err != nil {
		return err
	}
	for _, t := range c.Duty.Types {
		if err := validateTypeName(t.Name); err != nil {
			return err
		}
		key := strings.ToLower(t.Name)
		if seen[key] && !strings.EqualFold(t.Name, c.Duty.DefaultType) {
			return fmt.Errorf("duty: shift type %q declared twice", t.Name)
		}
		seen[key] = true
	}
	return nil
}

func validateTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("duty: shift type name is empty")
	}
	if len(name) > MaxTypeNameLength {
		return fmt.Errorf("duty: shift type %q longer than %d characters", name, MaxTypeNameLength)
	}
	if strings.Contains(name, "|") {
		return fmt.Errorf("duty: shift type %q contains '|'", name)
	}
	return nil
}

// ShiftType looks up a configured type by case-insensitive name. The default
// type resolves even when it is not listed under types.
func (d DutyConfig) ShiftType(name string) (ShiftType, bool) {
	for _, t := range d.Types {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	if strings.EqualFold(name, d.DefaultType) {
		return ShiftType{Name: d.DefaultType}, true
	}
	return ShiftType{}, false
}

// TypeNames returns the default type followed by every configured type.
func (d DutyConfig) TypeNames() []string {
	names := []string{d.DefaultType}
	for _, t := range d.Types {
		if !strings.EqualFold(t.Name, d.DefaultType) {
			names = append(names, t.Name)
		}
	}
	return names
}

// PostgresURL builds the connection string used by pgxpool.
func (d DatabaseConfig) PostgresURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}
