// Package listener bridges raw inbound group messages to the event
// store. It runs the keyword matcher over each message, applies the
// per-target resend cooldown, and records matches as target events. The
// dispatch core never depends on a listener being active, only on the
// store contract.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/match"
	"github.com/kwrelay/kwrelay/internal/metrics"
	"github.com/kwrelay/kwrelay/internal/store"
)

// Message is one raw inbound group message as delivered by the platform
// session. UserID is 0 when the platform did not expose a numeric id.
type Message struct {
	ChatID    int64
	UserID    int64
	Username  string
	MessageID int64
	Text      string
	At        time.Time
}

// Config controls ingestion.
type Config struct {
	// Groups maps a monitored chat id to its source tag. Messages from
	// unlisted chats are ignored.
	Groups map[int64]string `yaml:"groups"`

	// ResendCooldown suppresses new events for a target contacted within
	// this window. Zero disables the gate.
	ResendCooldown time.Duration `yaml:"resend_cooldown"`
}

// Listener consumes messages and records matches.
type Listener struct {
	cfg     Config
	matcher *match.Matcher
	store   store.EventStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	// OnRecord, when set, is called with every successfully recorded
	// event. The gateway feed subscribes through this hook.
	OnRecord func(event.TargetEvent)

	// now is injectable for testing. Defaults to time.Now.
	now func() time.Time
}

// New builds a listener. metrics may be nil.
func New(cfg Config, m *match.Matcher, st store.EventStore, logger *slog.Logger, mx *metrics.Metrics) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:     cfg,
		matcher: m,
		store:   st,
		logger:  logger,
		metrics: mx,
		now:     time.Now,
	}
}

// Run consumes msgs until the channel closes or ctx is canceled.
// Ingestion errors are logged, never fatal: a bad message must not stop
// the feed.
func (l *Listener) Run(ctx context.Context, msgs <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := l.Ingest(ctx, m); err != nil {
				l.logger.Error("ingest failed", "chat", m.ChatID, "error", err)
			}
		}
	}
}

// Ingest processes one message. Messages from unmonitored chats, without
// keyword hits, or from recently contacted targets are dropped silently.
// Duplicate events are logged and dropped.
func (l *Listener) Ingest(ctx context.Context, m Message) error {
	tag, monitored := l.cfg.Groups[m.ChatID]
	if !monitored {
		return nil
	}

	tags := l.matcher.Match(m.Text)
	if len(tags) == 0 {
		return nil
	}

	at := m.At
	if at.IsZero() {
		at = l.now().UTC()
	}

	ev := event.TargetEvent{
		SourceChatID: m.ChatID,
		SourceUserID: m.UserID,
		Username:     normalizeUsername(m.Username),
		MessageLink:  messageLink(m.ChatID, m.MessageID),
		RawText:      m.Text,
		MatchedTags:  tags,
		SourceTag:    tag,
		DetectedAt:   at,
	}

	if l.cfg.ResendCooldown > 0 {
		contacted, err := l.store.RecentlyContacted(ctx, event.Identity(ev), l.cfg.ResendCooldown, l.now())
		if err != nil {
			return fmt.Errorf("listener: cooldown lookup: %w", err)
		}
		if contacted {
			l.metrics.IncSkipped()
			l.logger.Debug("target recently contacted, skipping",
				"chat", m.ChatID, "identity", event.Identity(ev))
			return nil
		}
	}

	id, err := l.store.RecordEvent(ctx, ev)
	if errors.Is(err, store.ErrDuplicateEvent) {
		l.metrics.IncDuplicate()
		l.logger.Debug("duplicate event ignored", "chat", m.ChatID, "detected_at", at)
		return nil
	}
	if err != nil {
		return fmt.Errorf("listener: record event: %w", err)
	}

	l.metrics.IncIngested()
	l.logger.Info("target event recorded",
		"event", id, "chat", m.ChatID, "tag", tag, "matched", tags)

	if l.OnRecord != nil {
		ev.ID = id
		ev.Status = event.StatusNew
		l.OnRecord(ev)
	}
	return nil
}

// normalizeUsername ensures a leading @ on non-empty handles so the
// contact identity is stable regardless of how the platform reported it.
func normalizeUsername(u string) string {
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "@") {
		return u
	}
	return "@" + u
}

// messageLink builds the t.me deep link for a supergroup message. Public
// usernames are not known at this layer, so the /c/ form is used.
func messageLink(chatID, messageID int64) string {
	if messageID <= 0 {
		return ""
	}
	internal := chatID
	if internal < 0 {
		internal = -internal
	}
	// Supergroup ids carry a -100 prefix on the wire.
	const marker = 1_000_000_000_000
	if internal > marker {
		internal -= marker
	}
	return "https://t.me/c/" + strconv.FormatInt(internal, 10) + "/" + strconv.FormatInt(messageID, 10)
}
