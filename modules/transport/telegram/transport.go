package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/kwrelay/kwrelay/internal/transport"
)

// Transport delivers payloads through one Bot API client per sender
// account. It implements transport.Transport.
type Transport struct {
	clients map[string]*Client
	logger  *slog.Logger
}

// New builds a transport from sender id to token mappings. baseURL may
// be empty for the production endpoint.
func New(baseURL string, tokens map[string]string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	clients := make(map[string]*Client, len(tokens))
	for id, token := range tokens {
		clients[id] = NewClient(token, baseURL)
	}
	return &Transport{clients: clients, logger: logger}
}

// Verify checks every sender credential against the API. Called once at
// startup so a misconfigured token fails fast instead of burning
// delivery attempts.
func (t *Transport) Verify(ctx context.Context) error {
	var errs []error
	for id, c := range t.clients {
		u, err := c.GetMe(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("telegram: sender %q: %w", id, err))
			continue
		}
		t.logger.Info("sender credential verified", "sender", id, "account", u.Username)
	}
	return errors.Join(errs...)
}

// Send delivers payload to the target on behalf of senderID. Delivery
// failures come back as outcome codes; the error return is reserved for
// misuse.
func (t *Transport) Send(ctx context.Context, senderID string, target transport.Target, payload string) (transport.Outcome, error) {
	c, ok := t.clients[senderID]
	if !ok {
		return transport.Outcome{}, fmt.Errorf("telegram: unknown sender %q", senderID)
	}

	var chatID any
	switch {
	case target.Username != "":
		chatID = target.Username
	case target.UserID != 0:
		chatID = target.UserID
	default:
		return transport.Outcome{Code: transport.CodeBadTarget, Detail: "empty target"}, nil
	}

	_, err := c.SendMessage(ctx, SendMessageRequest{ChatID: chatID, Text: payload})
	if err != nil {
		out := mapError(err)
		t.logger.Debug("send failed",
			"sender", senderID, "code", out.Code, "detail", out.Detail)
		return out, nil
	}

	return transport.Outcome{Code: transport.CodeOK}, nil
}

// mapError translates client errors into outcome codes. API errors are
// matched on status code first, then on well-known description markers.
func mapError(err error) transport.Outcome {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		desc := strings.ToUpper(apiErr.Description)
		switch {
		case apiErr.Code == 429 || strings.Contains(desc, "FLOOD_WAIT"):
			return transport.Outcome{
				Code:       transport.CodeFloodWait,
				Detail:     apiErr.Description,
				RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			}
		case strings.Contains(desc, "PEER_FLOOD"):
			return transport.Outcome{Code: transport.CodePeerFlood, Detail: apiErr.Description}
		case strings.Contains(desc, "BLOCKED"):
			return transport.Outcome{Code: transport.CodeBlocked, Detail: apiErr.Description}
		case strings.Contains(desc, "PRIVACY"):
			return transport.Outcome{Code: transport.CodePrivacyRestricted, Detail: apiErr.Description}
		case strings.Contains(desc, "DEACTIVATED"):
			return transport.Outcome{Code: transport.CodeDeactivated, Detail: apiErr.Description}
		case apiErr.Code == 400 || apiErr.Code == 404:
			return transport.Outcome{Code: transport.CodeBadTarget, Detail: apiErr.Description}
		case apiErr.Code == 403:
			return transport.Outcome{Code: transport.CodeBlocked, Detail: apiErr.Description}
		default:
			return transport.Outcome{Code: transport.CodeInternal, Detail: apiErr.Description}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return transport.Outcome{Code: transport.CodeTimeout, Detail: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transport.Outcome{Code: transport.CodeTimeout, Detail: err.Error()}
	}

	return transport.Outcome{Code: transport.CodeNetwork, Detail: err.Error()}
}
