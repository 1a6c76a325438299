package dispatch

import (
	"strconv"
	"strings"

	"github.com/kwrelay/kwrelay/internal/event"
)

// Templates holds the outreach message texts. ByTag overrides Default for
// events carrying that source tag.
type Templates struct {
	Default string            `yaml:"default"`
	ByTag   map[string]string `yaml:"by_tag"`
}

// Render fills the template placeholders from the event. Recognized
// placeholders are {username}, {sender_name}, {source_tag} and
// {matched_tags}; unknown placeholders are left untouched so a typo in
// the config is visible in the delivered text instead of silently
// dropped.
func (t Templates) Render(ev event.TargetEvent, senderID string) string {
	text := t.Default
	if tagged, ok := t.ByTag[ev.SourceTag]; ok {
		text = tagged
	}

	username := ev.Username
	if username == "" {
		username = strconv.FormatInt(ev.SourceUserID, 10)
	}

	return strings.NewReplacer(
		"{username}", username,
		"{sender_name}", senderID,
		"{source_tag}", ev.SourceTag,
		"{matched_tags}", strings.Join(ev.MatchedTags, ", "),
	).Replace(text)
}
