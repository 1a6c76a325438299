package telegram

import (
	"context"
	"log/slog"
	"time"

	"github.com/kwrelay/kwrelay/internal/listener"
)

const (
	// longPollSeconds is the getUpdates hold time. The HTTP client
	// timeout in Client leaves headroom above it.
	longPollSeconds = 50

	pollErrorPause = 5 * time.Second
)

// Poller long-polls the Bot API for group messages and feeds them into
// the listener channel. It uses a dedicated listener credential, kept
// separate from the sender accounts.
type Poller struct {
	client *Client
	logger *slog.Logger
}

// NewPoller builds a poller for the given listener token.
func NewPoller(token, baseURL string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client: NewClient(token, baseURL),
		logger: logger,
	}
}

// Run polls until ctx is canceled, writing every text message to out.
// Poll failures pause and retry; the feed never terminates on its own.
func (p *Poller) Run(ctx context.Context, out chan<- listener.Message) error {
	var offset int64

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := p.client.GetUpdates(ctx, GetUpdatesRequest{
			Offset:         offset,
			Timeout:        longPollSeconds,
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("update poll failed, pausing", "error", err)
			timer := time.NewTimer(pollErrorPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			m := u.Message
			if m == nil || m.Text == "" {
				continue
			}

			msg := listener.Message{
				ChatID:    m.Chat.ID,
				MessageID: m.MessageID,
				Text:      m.Text,
				At:        time.Unix(m.Date, 0).UTC(),
			}
			if m.From != nil {
				msg.UserID = m.From.ID
				msg.Username = m.From.Username
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
