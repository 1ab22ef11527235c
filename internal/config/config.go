// Package config provides HCL configuration handling for the gatekeeper
// daemon and its CLI client.
package config

import (
	"time"
)

// CurrentSchemaVersion defines the current schema version of the
// configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the gatekeeper daemon.
type Config struct {
	// SchemaVersion allows the loader to distinguish old configs.
	// If empty, defaults to CurrentSchemaVersion.
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Address the listener binds to. Empty means every local address.
	Address string `hcl:"address,optional" json:"address,omitempty"`

	// ListenPort the daemon listens on. This is also seed1 of the
	// chained-cipher salt sequence, so client and server must agree that
	// this is the port the client actually connects to.
	ListenPort int `hcl:"listen_port,optional" json:"listen_port"`

	// AccessKey is the shared secret used for login and to derive the
	// static cipher key. Minimum 32 printable octets. Prefer AccessKeyFile
	// over embedding this directly in the config file.
	AccessKey string `hcl:"access_key,optional" json:"access_key,omitempty"`

	// AccessKeyFile, if set, is read at load time and its trimmed contents
	// become AccessKey. Takes precedence over an inline AccessKey.
	AccessKeyFile string `hcl:"access_key_file,optional" json:"access_key_file,omitempty"`

	// Secure toggles whether the wire protocol requires key exchange
	// before login. A non-secure server accepts a plaintext login command
	// in the Connected state.
	Secure bool `hcl:"secure,optional" json:"secure"`

	// AllowedPorts is the operator-configured set of ports the driver is
	// permitted to manipulate, unless AllowAllPorts is set.
	AllowedPorts []int `hcl:"allowed_ports,optional" json:"allowed_ports,omitempty"`

	// AllowAllPorts bypasses AllowedPorts entirely.
	AllowAllPorts bool `hcl:"allow_all_ports,optional" json:"allow_all_ports"`

	// LoginErrorLimit is normalized to a floor of 3 failed attempts.
	LoginErrorLimit int `hcl:"login_error_limit,optional" json:"login_error_limit"`

	// BlockingTime is normalized to a floor of 10 minutes.
	BlockingTime time.Duration `hcl:"blocking_time,optional" json:"blocking_time"`

	// Sudo controls whether the driver shells out with a sudo prefix.
	Sudo bool `hcl:"sudo,optional" json:"sudo"`

	// Driver selects the firewall backend: "mock", "nftcli", or
	// "nftnative".
	Driver string `hcl:"driver,optional" json:"driver,omitempty"`

	// Logging configures the daemon's structured log output.
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`
}

// LoggingConfig controls internal/logging's handler selection.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `hcl:"level,optional" json:"level,omitempty"`

	// JSON forces the JSON handler even on an attached terminal, matching
	// what a daemonized process needs when its stdout is captured by a
	// supervisor.
	JSON bool `hcl:"json,optional" json:"json"`

	// Syslog, if set, additionally mirrors log records to a syslog
	// daemon at SyslogHost:SyslogPort (default 127.0.0.1:514/udp, the
	// local syslog daemon).
	Syslog bool `hcl:"syslog,optional" json:"syslog"`

	// SyslogHost is the remote syslog server to mirror to when Syslog is
	// set. Empty defaults to the local syslog daemon.
	SyslogHost string `hcl:"syslog_host,optional" json:"syslog_host,omitempty"`

	// SyslogPort is the remote syslog server port. Empty defaults to 514.
	SyslogPort int `hcl:"syslog_port,optional" json:"syslog_port,omitempty"`

	// SyslogProtocol is "udp" or "tcp". Empty defaults to "udp".
	SyslogProtocol string `hcl:"syslog_protocol,optional" json:"syslog_protocol,omitempty"`
}

// Defaults returns a Config with every optional field set to its documented
// default, ready to be overridden by a loaded HCL file.
func Defaults() *Config {
	return &Config{
		SchemaVersion:   CurrentSchemaVersion,
		ListenPort:      2243,
		Secure:          true,
		LoginErrorLimit: 3,
		BlockingTime:    10 * time.Minute,
		Driver:          "nftcli",
	}
}
