package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gatekeeper-io/gatekeeper/internal/driver"
)

// minAccessKeyLen is the operator-facing floor on access-key length; the
// derived static key is 32 bytes regardless, but a short key makes online
// guessing far cheaper than the login-attempt limiter accounts for.
const minAccessKeyLen = 32

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every rejected field found in one pass, so an
// operator sees all of their config's problems at once rather than one at a
// time.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any validation error was collected.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks structural correctness: field presence, port ranges, and
// access-key strength. It does not normalize thresholds — call Normalize
// separately once validation passes.
func Validate(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.ListenPort < driver.MinValidPort || cfg.ListenPort > 65535 {
		errs = append(errs, ValidationError{"listen_port", "must be between 10 and 65535"})
	}

	if len(cfg.AccessKey) < minAccessKeyLen {
		errs = append(errs, ValidationError{"access_key", fmt.Sprintf("must be at least %d octets", minAccessKeyLen)})
	}

	for _, p := range cfg.AllowedPorts {
		if p < driver.MinValidPort || p > 65535 {
			errs = append(errs, ValidationError{"allowed_ports", fmt.Sprintf("port %d out of range", p)})
		}
	}

	switch cfg.Driver {
	case "", "mock", "nftcli", "nftnative":
	default:
		errs = append(errs, ValidationError{"driver", fmt.Sprintf("unknown backend %q", cfg.Driver)})
	}

	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "", "debug", "info", "warn", "error":
		default:
			errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level)})
		}
		switch cfg.Logging.SyslogProtocol {
		case "", "udp", "tcp":
		default:
			errs = append(errs, ValidationError{"logging.syslog_protocol", fmt.Sprintf("unknown protocol %q", cfg.Logging.SyslogProtocol)})
		}
	}

	return errs
}

// Normalize applies the floors AbuseGuard requires: loginErrorLimit ≥ 3,
// blockingTime ≥ 10 minutes. Config values below the floor are raised, not
// rejected — the daemon starts either way.
func Normalize(cfg *Config) {
	if cfg.LoginErrorLimit < 3 {
		cfg.LoginErrorLimit = 3
	}
	if cfg.BlockingTime < 10*time.Minute {
		cfg.BlockingTime = 10 * time.Minute
	}
	if cfg.Driver == "" {
		cfg.Driver = "nftcli"
	}
}
