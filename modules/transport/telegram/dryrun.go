package telegram

import (
	"context"
	"log/slog"

	"github.com/kwrelay/kwrelay/internal/transport"
)

// DryRun wraps a transport and short-circuits every send as a success,
// logging what would have been delivered. Used for rehearsing a config
// against live groups without contacting anyone.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun builds the no-send transport.
func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{logger: logger}
}

// Send logs the would-be delivery and reports success.
func (d *DryRun) Send(_ context.Context, senderID string, target transport.Target, payload string) (transport.Outcome, error) {
	d.logger.Info("dry-run send",
		"sender", senderID,
		"target_username", target.Username,
		"target_id", target.UserID,
		"payload", payload,
	)
	return transport.Outcome{Code: transport.CodeOK, Detail: "dry-run"}, nil
}
