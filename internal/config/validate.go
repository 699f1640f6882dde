package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"path/filepath"
	"strings"

	"grimm.is/vmlink/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the config and returns ValidationErrors describing every
// problem found.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.EndpointDir == "" {
		add("endpoint_dir", "is required")
	} else if !filepath.IsAbs(c.EndpointDir) {
		add("endpoint_dir", "must be an absolute path")
	}
	if c.EndpointSuffix == "" || strings.ContainsAny(c.EndpointSuffix, "/.") {
		add("endpoint_suffix", "must be a plain extension such as \"sock\"")
	}
	switch c.Transport {
	case "unix", "vsock":
	default:
		add("transport", "must be \"unix\" or \"vsock\", got %q", c.Transport)
	}
	if c.VsockPort <= 0 || int64(c.VsockPort) > math.MaxUint32 {
		add("vsock_port", "out of range")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level", "%v", err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		add("log_format", "must be \"console\" or \"json\"")
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			add("metrics_listen", "%v", err)
		}
	}

	t, err := c.Timings()
	var terrs ValidationErrors
	if errors.As(err, &terrs) {
		errs = append(errs, terrs...)
	}

	if cc := c.Connection; cc != nil && err == nil {
		if t.ReconnectBaseDelay <= 0 {
			add("connection.reconnect_base_delay", "must be positive")
		}
		if t.ReconnectMaxDelay < t.ReconnectBaseDelay {
			add("connection.reconnect_max_delay", "must not be below reconnect_base_delay")
		}
		if cc.ReconnectAttempts() < 0 {
			add("connection.max_reconnect_attempts", "must not be negative")
		}
		if t.StaleAfter > 0 && t.HealthInterval == 0 {
			add("connection.health_interval", "required when stale_after is set")
		}
		if t.StaleAfter > 0 && t.StaleAfter < t.HealthInterval {
			add("connection.stale_after", "must be at least health_interval")
		}
		if cc.MaxLineBytes < 1024 {
			add("connection.max_line_bytes", "must be at least 1024")
		}
	}
	if j := c.Journal; j != nil && !j.Disabled && err == nil {
		if !t.PruneDaily && t.PruneInterval <= 0 {
			add("journal.prune_interval", "must be positive")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
