// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for kwrelay.
package config

import (
	"github.com/kwrelay/kwrelay/internal/dispatch"
	"github.com/kwrelay/kwrelay/internal/ledger"
	"github.com/kwrelay/kwrelay/internal/listener"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// Storage locates the sqlite database file.
	Storage StorageConfig `yaml:"storage"`

	// Vocabulary is the keyword list the matcher detects. Single tokens
	// only; matching is case-insensitive and whole-token.
	Vocabulary []string `yaml:"vocabulary"`

	// Listener maps monitored chats to source tags and sets the resend
	// cooldown.
	Listener listener.Config `yaml:"listener"`

	// Senders declares the outbound accounts. Their runtime state lives
	// in storage; this section only seeds them.
	Senders []SenderConfig `yaml:"senders"`

	// Ledger is the per-sender cooldown policy.
	Ledger ledger.Config `yaml:"ledger"`

	// Dispatch controls the claim/send/resolve loop.
	Dispatch dispatch.Config `yaml:"dispatch"`

	// Transport configures the delivery client.
	Transport TransportConfig `yaml:"transport"`

	// Gateway configures the moderator HTTP server.
	Gateway GatewayConfig `yaml:"gateway"`

	// Telemetry configures trace export. Empty endpoint disables it.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Export configures CSV snapshots of events and delivery attempts.
	Export ExportConfig `yaml:"export"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	// Path is the sqlite database file. Parent directories are created.
	Path string `yaml:"path"`
}

// SenderConfig seeds one sender account.
type SenderConfig struct {
	// ID is the stable account identifier used in logs and the ledger.
	ID string `yaml:"id"`

	// Token is the account credential, opaque to everything but the
	// transport. Supports ${VAR} expansion.
	Token string `yaml:"token"`
}

// TransportConfig configures the delivery client.
type TransportConfig struct {
	// BaseURL overrides the platform API endpoint. Empty uses the
	// production endpoint.
	BaseURL string `yaml:"base_url"`

	// ListenerToken is the dedicated credential used to poll group
	// messages. Empty disables the built-in listener; events can still
	// arrive through other writers on the store.
	ListenerToken string `yaml:"listener_token"`

	// DryRun logs sends instead of performing them.
	DryRun bool `yaml:"dry_run"`
}

// GatewayConfig configures the moderator HTTP server.
type GatewayConfig struct {
	// Listen is the bind address, e.g. "127.0.0.1:8080". Empty disables
	// the gateway.
	Listen string `yaml:"listen"`

	// AuthToken guards all endpoints except /health when set.
	AuthToken string `yaml:"auth_token"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector address, e.g. "localhost:4318".
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS toward the collector.
	Insecure bool `yaml:"insecure"`
}

// ExportConfig configures periodic CSV snapshots.
type ExportConfig struct {
	// Dir receives the CSV files. Empty disables exports.
	Dir string `yaml:"dir"`

	// Schedule is a cron expression for the export job.
	// Default: "0 * * * *" (hourly).
	Schedule string `yaml:"schedule"`
}
