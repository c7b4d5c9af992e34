// Package config loads and validates the collector configuration: a YAML
// snapshot of PLCs, polling groups, and tags, layered with environment
// overrides for deployment-specific settings.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/plantops/qhist/mc3e"
)

// ErrInvalid wraps every configuration validation failure. The engine
// refuses to start on any error carrying it.
var ErrInvalid = errors.New("config: invalid")

// Mode selects how a polling group schedules its polls.
type Mode string

const (
	ModeFixed     Mode = "FIXED"     // monotonic interval
	ModeHandshake Mode = "HANDSHAKE" // poll once per accepted trigger
)

// Category routes a group's readings to their historian destination.
type Category string

const (
	CategoryOperation Category = "OPERATION"
	CategoryState     Category = "STATE"
	CategoryAlarm     Category = "ALARM"
)

// LogMode decides whether a reading is persisted.
type LogMode string

const (
	LogAlways   LogMode = "ALWAYS"
	LogOnChange LogMode = "ON_CHANGE"
	LogNever    LogMode = "NEVER"
)

// TagType optionally reinterprets the raw word value.
type TagType string

const (
	TypeInt  TagType = "INT"  // signed 16-bit, the wire default
	TypeUint TagType = "UINT" // reinterpret the word as unsigned
)

// Config holds the complete collector configuration.
type Config struct {
	Log         LogConfig        `yaml:"log"`
	API         APIConfig        `yaml:"api"`
	Oracle      OracleConfig     `yaml:"oracle"`
	Buffer      BufferConfig     `yaml:"buffer"`
	Polling     PollingConfig    `yaml:"polling"`
	PLCDefaults PLCDefaults      `yaml:"plc_defaults"`
	PLCs        []PLCConn        `yaml:"plcs"`
	Groups      []Group          `yaml:"groups"`
	Tags        []Tag            `yaml:"tags"`
	MQTT        MQTTConfig       `yaml:"mqtt,omitempty"`
	Kafka       KafkaConfig      `yaml:"kafka,omitempty"`
	Valkey      ValkeyConfig     `yaml:"valkey,omitempty"`
	FailureLog  FailureLogConfig `yaml:"failure_log"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"LOG_FORMAT"` // text or json
}

// SlogLevel maps the configured level name onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// APIConfig holds the control-plane HTTP server settings. A non-empty
// AuthToken gates every mutating endpoint behind bearer-token auth.
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host" env:"API_HOST"`
	Port      int    `yaml:"port" env:"API_PORT"`
	AuthToken string `yaml:"auth_token,omitempty" env:"API_AUTH_TOKEN"`
}

// OracleConfig holds the historian connection settings.
type OracleConfig struct {
	Host           string `yaml:"host" env:"ORACLE_HOST"`
	Port           int    `yaml:"port" env:"ORACLE_PORT"`
	ServiceName    string `yaml:"service_name" env:"ORACLE_SERVICE_NAME"`
	Username       string `yaml:"username" env:"ORACLE_USERNAME"`
	Password       string `yaml:"password" env:"ORACLE_PASSWORD"`
	PoolMin        int    `yaml:"pool_min" env:"ORACLE_POOL_MIN"`
	PoolMax        int    `yaml:"pool_max" env:"ORACLE_POOL_MAX"`
	OperationTable string `yaml:"operation_table"`
	TagLogTable    string `yaml:"taglog_table"`
}

// Sequence returns the tag-log table's id sequence name.
func (o OracleConfig) Sequence() string {
	return o.TagLogTable + "_SEQ"
}

// BufferConfig bounds the reading buffer and the writer's batching.
type BufferConfig struct {
	MaxSize          int     `yaml:"max_size" env:"BUFFER_MAX_SIZE"`
	BatchSize        int     `yaml:"batch_size" env:"BUFFER_BATCH_SIZE"`
	BatchSizeMax     int     `yaml:"batch_size_max" env:"BUFFER_BATCH_SIZE_MAX"`
	WriteIntervalSec float64 `yaml:"write_interval_sec" env:"BUFFER_WRITE_INTERVAL"`
	RetryCount       int     `yaml:"retry_count" env:"BUFFER_RETRY_COUNT"`
	BackupPath       string  `yaml:"backup_path" env:"BACKUP_FILE_PATH"`
}

// WriteInterval returns the writer's time trigger as a duration.
func (b BufferConfig) WriteInterval() time.Duration {
	return time.Duration(b.WriteIntervalSec * float64(time.Second))
}

// PollingConfig bounds the scheduler.
type PollingConfig struct {
	MaxGroups            int     `yaml:"max_groups" env:"MAX_POLLING_GROUPS"`
	QueueSize            int     `yaml:"queue_size" env:"DATA_QUEUE_SIZE"`
	BroadcastIntervalSec float64 `yaml:"broadcast_interval_sec" env:"WEBSOCKET_BROADCAST_INTERVAL"`
}

// BroadcastInterval returns the status broadcast period as a duration.
func (p PollingConfig) BroadcastInterval() time.Duration {
	return time.Duration(p.BroadcastIntervalSec * float64(time.Second))
}

// PLCDefaults apply to every PLC that leaves the matching field zero.
type PLCDefaults struct {
	Port              int `yaml:"port"`
	ConnectTimeoutSec int `yaml:"connect_timeout_sec" env:"CONNECTION_TIMEOUT"`
	ReadTimeoutSec    int `yaml:"read_timeout_sec" env:"READ_TIMEOUT"`
	PoolSize          int `yaml:"pool_size" env:"POOL_SIZE_PER_PLC"`
	IdleTimeoutSec    int `yaml:"idle_timeout_sec" env:"IDLE_TIMEOUT"`
}

// PLCConn is one PLC endpoint.
type PLCConn struct {
	Code              string `yaml:"code"` // stable id, used in readings and topics
	Name              string `yaml:"name,omitempty"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port,omitempty"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec,omitempty"`
	ReadTimeoutSec    int    `yaml:"read_timeout_sec,omitempty"`
	Active            bool   `yaml:"active"`
}

// ConnectTimeout returns the dial timeout as a duration.
func (p PLCConn) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutSec) * time.Second
}

// ReadTimeout returns the per-exchange timeout as a duration.
func (p PLCConn) ReadTimeout() time.Duration {
	return time.Duration(p.ReadTimeoutSec) * time.Second
}

// Group is one polling group: a set of tag addresses read together from one
// PLC on one schedule.
type Group struct {
	ID           int      `yaml:"id"`
	Name         string   `yaml:"name"`
	PLCCode      string   `yaml:"plc"`
	Mode         Mode     `yaml:"mode"`
	IntervalMs   int      `yaml:"interval_ms,omitempty"` // FIXED only, >= 100
	Category     Category `yaml:"category"`
	Active       bool     `yaml:"active"`
	TagAddresses []string `yaml:"tags"`
}

// Interval returns the FIXED-mode poll period as a duration.
func (g Group) Interval() time.Duration {
	return time.Duration(g.IntervalMs) * time.Millisecond
}

// Tag carries per-address persistence metadata.
type Tag struct {
	PLCCode     string  `yaml:"plc"`
	Address     string  `yaml:"address"`
	Name        string  `yaml:"name,omitempty"`
	Type        TagType `yaml:"type,omitempty"`
	GroupID     int     `yaml:"group_id,omitempty"`
	MachineCode string  `yaml:"machine,omitempty"`
	LogMode     LogMode `yaml:"log_mode,omitempty"`
	LastValue   string  `yaml:"last_value,omitempty"` // cache seed
	Active      bool    `yaml:"active"`
}

// MQTTConfig holds the optional MQTT publisher settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Topic    string `yaml:"topic,omitempty"` // base topic
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// KafkaConfig holds the optional Kafka publisher settings.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic,omitempty"`
	RequiredAcks int      `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
}

// ValkeyConfig holds the optional Valkey live-value mirror settings.
type ValkeyConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"` // host:port
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database,omitempty"`
	KeyTTL   time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
}

// FailureLogConfig controls the per-failure JSON files.
type FailureLogConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// DefaultConfig returns a configuration with every tunable at its default.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		API: APIConfig{Enabled: true, Host: "0.0.0.0", Port: 8080},
		Oracle: OracleConfig{
			Port:           1521,
			PoolMin:        2,
			PoolMax:        5,
			OperationTable: "OPERATION",
			TagLogTable:    "DATATAG_LOG",
		},
		Buffer: BufferConfig{
			MaxSize:          100000,
			BatchSize:        500,
			BatchSizeMax:     1000,
			WriteIntervalSec: 1.0,
			RetryCount:       3,
			BackupPath:       "backup",
		},
		Polling: PollingConfig{
			MaxGroups:            10,
			QueueSize:            10000,
			BroadcastIntervalSec: 1.0,
		},
		PLCDefaults: PLCDefaults{
			Port:              mc3e.DefaultPort,
			ConnectTimeoutSec: 5,
			ReadTimeoutSec:    3,
			PoolSize:          5,
			IdleTimeoutSec:    600,
		},
		FailureLog: FailureLogConfig{
			Dir:           "logs/polling_failures",
			RetentionDays: 7,
		},
	}
}

// Load reads the YAML snapshot, applies environment overrides, fills
// per-PLC defaults, normalizes tag addresses, and validates. A missing file
// is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero per-PLC fields from PLCDefaults.
func (c *Config) applyDefaults() {
	for i := range c.PLCs {
		p := &c.PLCs[i]
		if p.Port == 0 {
			p.Port = c.PLCDefaults.Port
		}
		if p.ConnectTimeoutSec == 0 {
			p.ConnectTimeoutSec = c.PLCDefaults.ConnectTimeoutSec
		}
		if p.ReadTimeoutSec == 0 {
			p.ReadTimeoutSec = c.PLCDefaults.ReadTimeoutSec
		}
	}
	for i := range c.Tags {
		t := &c.Tags[i]
		if t.LogMode == "" {
			t.LogMode = LogAlways
		}
		if t.Type == "" {
			t.Type = TypeInt
		}
	}
	for i := range c.Groups {
		if c.Groups[i].Mode == "" {
			c.Groups[i].Mode = ModeFixed
		}
	}
}

// Normalize canonicalizes every tag address (upper case, trimmed) in both
// the group lists and the tag table. Unparseable addresses are refused.
func (c *Config) Normalize() error {
	for gi := range c.Groups {
		g := &c.Groups[gi]
		for ai, addr := range g.TagAddresses {
			p, err := mc3e.ParseAddress(addr)
			if err != nil {
				return fmt.Errorf("%w: group %d (%s): %v", ErrInvalid, g.ID, g.Name, err)
			}
			g.TagAddresses[ai] = p.Format()
		}
	}
	for ti := range c.Tags {
		t := &c.Tags[ti]
		p, err := mc3e.ParseAddress(t.Address)
		if err != nil {
			return fmt.Errorf("%w: tag %s/%s: %v", ErrInvalid, t.PLCCode, t.Address, err)
		}
		t.Address = p.Format()
	}
	return nil
}

// Validate checks cross-references and invariants. The first violation is
// returned wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("%w: buffer max_size must be positive", ErrInvalid)
	}
	if c.Polling.MaxGroups <= 0 {
		return fmt.Errorf("%w: polling max_groups must be positive", ErrInvalid)
	}
	if c.Polling.QueueSize <= 0 {
		return fmt.Errorf("%w: polling queue_size must be positive", ErrInvalid)
	}

	codes := make(map[string]bool, len(c.PLCs))
	for _, p := range c.PLCs {
		if p.Code == "" {
			return fmt.Errorf("%w: plc with empty code", ErrInvalid)
		}
		if codes[p.Code] {
			return fmt.Errorf("%w: duplicate plc code %q", ErrInvalid, p.Code)
		}
		codes[p.Code] = true
		if p.Host == "" {
			return fmt.Errorf("%w: plc %s: host required", ErrInvalid, p.Code)
		}
	}

	ids := make(map[int]bool, len(c.Groups))
	for _, g := range c.Groups {
		if ids[g.ID] {
			return fmt.Errorf("%w: duplicate group id %d", ErrInvalid, g.ID)
		}
		ids[g.ID] = true

		if !codes[g.PLCCode] {
			return fmt.Errorf("%w: group %d (%s): unknown plc %q", ErrInvalid, g.ID, g.Name, g.PLCCode)
		}
		switch g.Mode {
		case ModeFixed:
			if g.IntervalMs < 100 {
				return fmt.Errorf("%w: group %d (%s): FIXED interval_ms must be >= 100, got %d",
					ErrInvalid, g.ID, g.Name, g.IntervalMs)
			}
		case ModeHandshake:
		default:
			return fmt.Errorf("%w: group %d (%s): unknown mode %q", ErrInvalid, g.ID, g.Name, g.Mode)
		}
		switch g.Category {
		case CategoryOperation, CategoryState, CategoryAlarm:
		default:
			return fmt.Errorf("%w: group %d (%s): unknown category %q", ErrInvalid, g.ID, g.Name, g.Category)
		}
		if g.Active && len(g.TagAddresses) == 0 {
			return fmt.Errorf("%w: group %d (%s): active group has no tags", ErrInvalid, g.ID, g.Name)
		}
	}

	for _, t := range c.Tags {
		if !codes[t.PLCCode] {
			return fmt.Errorf("%w: tag %s/%s: unknown plc", ErrInvalid, t.PLCCode, t.Address)
		}
		switch t.LogMode {
		case LogAlways, LogOnChange, LogNever:
		default:
			return fmt.Errorf("%w: tag %s/%s: unknown log_mode %q", ErrInvalid, t.PLCCode, t.Address, t.LogMode)
		}
		switch t.Type {
		case TypeInt, TypeUint:
		default:
			return fmt.Errorf("%w: tag %s/%s: unknown type %q", ErrInvalid, t.PLCCode, t.Address, t.Type)
		}
	}

	return nil
}

// FindPLC returns the PLC with the given code, or nil.
func (c *Config) FindPLC(code string) *PLCConn {
	for i := range c.PLCs {
		if c.PLCs[i].Code == code {
			return &c.PLCs[i]
		}
	}
	return nil
}

// ActivePLCs returns every PLC marked active.
func (c *Config) ActivePLCs() []PLCConn {
	out := make([]PLCConn, 0, len(c.PLCs))
	for _, p := range c.PLCs {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// FindGroup returns the group with the given id, or nil.
func (c *Config) FindGroup(id int) *Group {
	for i := range c.Groups {
		if c.Groups[i].ID == id {
			return &c.Groups[i]
		}
	}
	return nil
}

// ActiveGroups returns every group marked active.
func (c *Config) ActiveGroups() []Group {
	out := make([]Group, 0, len(c.Groups))
	for _, g := range c.Groups {
		if g.Active {
			out = append(out, g)
		}
	}
	return out
}

// FindTag returns the tag row for a PLC and normalized address, or nil.
func (c *Config) FindTag(plcCode, address string) *Tag {
	for i := range c.Tags {
		if c.Tags[i].PLCCode == plcCode && c.Tags[i].Address == address {
			return &c.Tags[i]
		}
	}
	return nil
}

// LogModesForGroup snapshots (address → log mode) for one group. Addresses
// without a tag row default to ALWAYS.
func (c *Config) LogModesForGroup(g Group) map[string]LogMode {
	out := make(map[string]LogMode, len(g.TagAddresses))
	for _, addr := range g.TagAddresses {
		if t := c.FindTag(g.PLCCode, addr); t != nil {
			out[addr] = t.LogMode
		} else {
			out[addr] = LogAlways
		}
	}
	return out
}

// MachineCodesForGroup snapshots (address → machine code) for one group.
// Addresses without a tag row map to the empty string.
func (c *Config) MachineCodesForGroup(g Group) map[string]string {
	out := make(map[string]string, len(g.TagAddresses))
	for _, addr := range g.TagAddresses {
		if t := c.FindTag(g.PLCCode, addr); t != nil {
			out[addr] = t.MachineCode
		} else {
			out[addr] = ""
		}
	}
	return out
}

// TypesForGroup snapshots (address → tag type) for one group.
func (c *Config) TypesForGroup(g Group) map[string]TagType {
	out := make(map[string]TagType, len(g.TagAddresses))
	for _, addr := range g.TagAddresses {
		if t := c.FindTag(g.PLCCode, addr); t != nil {
			out[addr] = t.Type
		} else {
			out[addr] = TypeInt
		}
	}
	return out
}
