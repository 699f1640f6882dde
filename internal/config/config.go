package config

import (
	"time"

	"grimm.is/vmlink/internal/brand"
)

// Config is the top-level structure for the vmlinkd configuration.
type Config struct {
	EndpointDir    string `hcl:"endpoint_dir,optional" json:"endpoint_dir,omitempty" yaml:"endpoint_dir,omitempty"`
	EndpointSuffix string `hcl:"endpoint_suffix,optional" json:"endpoint_suffix,omitempty" yaml:"endpoint_suffix,omitempty"`
	Transport      string `hcl:"transport,optional" json:"transport,omitempty" yaml:"transport,omitempty"` // unix or vsock
	VsockPort      int    `hcl:"vsock_port,optional" json:"vsock_port,omitempty" yaml:"vsock_port,omitempty"`

	LogLevel  string `hcl:"log_level,optional" json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat string `hcl:"log_format,optional" json:"log_format,omitempty" yaml:"log_format,omitempty"` // console or json

	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty"`
	Database      string `hcl:"database,optional" json:"database,omitempty" yaml:"database,omitempty"`

	Debounce      string `hcl:"debounce,optional" json:"debounce,omitempty" yaml:"debounce,omitempty"`
	ReconnectWait string `hcl:"reconnect_wait,optional" json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`

	Connection *ConnectionConfig `hcl:"connection,block" json:"connection,omitempty" yaml:"connection,omitempty"`
	Inventory  *InventoryConfig  `hcl:"inventory,block" json:"inventory,omitempty" yaml:"inventory,omitempty"`
	Journal    *JournalConfig    `hcl:"journal,block" json:"journal,omitempty" yaml:"journal,omitempty"`
}

// ConnectionConfig tunes each agent session.
type ConnectionConfig struct {
	ReconnectBaseDelay   string `hcl:"reconnect_base_delay,optional" json:"reconnect_base_delay,omitempty" yaml:"reconnect_base_delay,omitempty"`
	ReconnectMaxDelay    string `hcl:"reconnect_max_delay,optional" json:"reconnect_max_delay,omitempty" yaml:"reconnect_max_delay,omitempty"`
	MaxReconnectAttempts *int   `hcl:"max_reconnect_attempts,optional" json:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts,omitempty"`
	HealthInterval       string `hcl:"health_interval,optional" json:"health_interval,omitempty" yaml:"health_interval,omitempty"`
	StaleAfter           string `hcl:"stale_after,optional" json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
	DialTimeout          string `hcl:"dial_timeout,optional" json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	WriteTimeout         string `hcl:"write_timeout,optional" json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	CommandTimeout       string `hcl:"command_timeout,optional" json:"command_timeout,omitempty" yaml:"command_timeout,omitempty"`
	MaxLineBytes         int    `hcl:"max_line_bytes,optional" json:"max_line_bytes,omitempty" yaml:"max_line_bytes,omitempty"`
	ThrottleEvery        int    `hcl:"throttle_every,optional" json:"throttle_every,omitempty" yaml:"throttle_every,omitempty"`
}

// InventoryConfig controls which VM ids are accepted.
type InventoryConfig struct {
	// AllowUnknown accepts every endpoint without consulting the database.
	AllowUnknown bool `hcl:"allow_unknown,optional" json:"allow_unknown,omitempty" yaml:"allow_unknown,omitempty"`
	// VMs are registered at startup in addition to what the database holds.
	VMs []string `hcl:"vms,optional" json:"vms,omitempty" yaml:"vms,omitempty"`
}

// JournalConfig controls the event journal.
type JournalConfig struct {
	Disabled      bool   `hcl:"disabled,optional" json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Retention     string `hcl:"retention,optional" json:"retention,omitempty" yaml:"retention,omitempty"`
	PruneInterval string `hcl:"prune_interval,optional" json:"prune_interval,omitempty" yaml:"prune_interval,omitempty"`
	// PruneAt is a local "HH:MM" time. When set it replaces PruneInterval
	// with one prune per day.
	PruneAt string `hcl:"prune_at,optional" json:"prune_at,omitempty" yaml:"prune_at,omitempty"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		EndpointDir:    brand.EndpointDir(),
		EndpointSuffix: "sock",
		Transport:      "unix",
		VsockPort:      5000,
		LogLevel:       "info",
		LogFormat:      "console",
		MetricsListen:  "127.0.0.1:9273",
		Database:       brand.DatabasePath(),
		Debounce:       "250ms",
		ReconnectWait:  "1s",
		Connection: &ConnectionConfig{
			ReconnectBaseDelay:   "1s",
			ReconnectMaxDelay:    "30s",
			MaxReconnectAttempts: intPtr(10),
			HealthInterval:       "30s",
			StaleAfter:           "90s",
			DialTimeout:          "5s",
			WriteTimeout:         "5s",
			CommandTimeout:       "30s",
			MaxLineBytes:         16 << 20,
			ThrottleEvery:        10,
		},
		Inventory: &InventoryConfig{},
		Journal: &JournalConfig{
			Retention:     "168h",
			PruneInterval: "1h",
		},
	}
}

// applyDefaults fills every unset field from DefaultConfig.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	setString(&c.EndpointDir, d.EndpointDir)
	setString(&c.EndpointSuffix, d.EndpointSuffix)
	setString(&c.Transport, d.Transport)
	setInt(&c.VsockPort, d.VsockPort)
	setString(&c.LogLevel, d.LogLevel)
	setString(&c.LogFormat, d.LogFormat)
	setString(&c.MetricsListen, d.MetricsListen)
	setString(&c.Database, d.Database)
	setString(&c.Debounce, d.Debounce)
	setString(&c.ReconnectWait, d.ReconnectWait)

	if c.Connection == nil {
		c.Connection = d.Connection
	} else {
		cc, dc := c.Connection, d.Connection
		setString(&cc.ReconnectBaseDelay, dc.ReconnectBaseDelay)
		setString(&cc.ReconnectMaxDelay, dc.ReconnectMaxDelay)
		if cc.MaxReconnectAttempts == nil {
			cc.MaxReconnectAttempts = dc.MaxReconnectAttempts
		}
		setString(&cc.HealthInterval, dc.HealthInterval)
		setString(&cc.StaleAfter, dc.StaleAfter)
		setString(&cc.DialTimeout, dc.DialTimeout)
		setString(&cc.WriteTimeout, dc.WriteTimeout)
		setString(&cc.CommandTimeout, dc.CommandTimeout)
		setInt(&cc.MaxLineBytes, dc.MaxLineBytes)
		setInt(&cc.ThrottleEvery, dc.ThrottleEvery)
	}

	if c.Inventory == nil {
		c.Inventory = d.Inventory
	}

	if c.Journal == nil {
		c.Journal = d.Journal
	} else {
		setString(&c.Journal.Retention, d.Journal.Retention)
		setString(&c.Journal.PruneInterval, d.Journal.PruneInterval)
	}
}

// ReconnectAttempts returns the reconnect budget. Zero means unlimited.
func (cc *ConnectionConfig) ReconnectAttempts() int {
	if cc.MaxReconnectAttempts == nil {
		return 0
	}
	return *cc.MaxReconnectAttempts
}

func intPtr(v int) *int { return &v }

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// Timings holds every duration in the config, parsed.
type Timings struct {
	Debounce           time.Duration
	ReconnectWait      time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HealthInterval     time.Duration
	StaleAfter         time.Duration
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	CommandTimeout     time.Duration
	JournalRetention   time.Duration
	PruneInterval      time.Duration

	// PruneDaily is set when journal.prune_at is configured.
	PruneDaily  bool
	PruneHour   int
	PruneMinute int
}

// Timings parses the duration fields. Validate reports the same errors
// with field names.
func (c *Config) Timings() (Timings, error) {
	var (
		t    Timings
		errs ValidationErrors
	)
	parse := func(field, s string, dst *time.Duration) {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: "invalid duration " + quote(s)})
			return
		}
		if d < 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must not be negative"})
			return
		}
		*dst = d
	}

	parse("debounce", c.Debounce, &t.Debounce)
	parse("reconnect_wait", c.ReconnectWait, &t.ReconnectWait)
	if cc := c.Connection; cc != nil {
		parse("connection.reconnect_base_delay", cc.ReconnectBaseDelay, &t.ReconnectBaseDelay)
		parse("connection.reconnect_max_delay", cc.ReconnectMaxDelay, &t.ReconnectMaxDelay)
		parse("connection.health_interval", cc.HealthInterval, &t.HealthInterval)
		parse("connection.stale_after", cc.StaleAfter, &t.StaleAfter)
		parse("connection.dial_timeout", cc.DialTimeout, &t.DialTimeout)
		parse("connection.write_timeout", cc.WriteTimeout, &t.WriteTimeout)
		parse("connection.command_timeout", cc.CommandTimeout, &t.CommandTimeout)
	}
	if j := c.Journal; j != nil {
		parse("journal.retention", j.Retention, &t.JournalRetention)
		parse("journal.prune_interval", j.PruneInterval, &t.PruneInterval)
		if j.PruneAt != "" {
			at, err := time.Parse("15:04", j.PruneAt)
			if err != nil {
				errs = append(errs, ValidationError{Field: "journal.prune_at", Message: "invalid time of day " + quote(j.PruneAt) + ", want HH:MM"})
			} else {
				t.PruneDaily = true
				t.PruneHour, t.PruneMinute = at.Hour(), at.Minute()
			}
		}
	}

	if errs.HasErrors() {
		return t, errs
	}
	return t, nil
}

func quote(s string) string {
	return "\"" + s + "\""
}
