package config

import (
	"fmt"
	"regexp"
	"time"
)

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Tool names are restricted to what MCP clients accept.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Validate checks that the config is internally consistent and returns all
// problems found.
func (c *Config) Validate() []ValidationError {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []ValidationError

	if !toolNamePattern.MatchString(c.ToolName) {
		errs = append(errs, ValidationError{
			Field:   "tool_name",
			Message: fmt.Sprintf("%q must be 1-64 characters of letters, digits, '_' or '-'", c.ToolName),
		})
	}

	if c.PortRangeStart < 1 || c.PortRangeStart > 65535 {
		errs = append(errs, ValidationError{Field: "port_range_start", Message: "must be between 1 and 65535"})
	}
	if c.PortRangeEnd < c.PortRangeStart || c.PortRangeEnd > 65535 {
		errs = append(errs, ValidationError{
			Field:   "port_range_end",
			Message: fmt.Sprintf("must be between port_range_start (%d) and 65535", c.PortRangeStart),
		})
	}
	if c.PortAttempts < 1 {
		errs = append(errs, ValidationError{Field: "port_attempts", Message: "must be at least 1"})
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval.Duration},
		{"session_grace", c.SessionGrace.Duration},
		{"request_expiry", c.RequestExpiry.Duration},
		{"file_timeout", c.FileTimeout.Duration},
		{"file_poll_interval", c.FilePollInterval.Duration},
		{"watch_interval", c.WatchInterval.Duration},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, ValidationError{Field: d.field, Message: "must be positive"})
		}
	}

	if c.FilePollInterval.Duration > 0 && c.FileTimeout.Duration > 0 &&
		c.FilePollInterval.Duration >= c.FileTimeout.Duration {
		errs = append(errs, ValidationError{
			Field:   "file_poll_interval",
			Message: "must be shorter than file_timeout",
		})
	}

	return errs
}
