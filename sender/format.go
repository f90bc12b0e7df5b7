package sender

import (
	"fmt"
	"strings"

	"stream-notify-bot/db"
)

// streamText renders the notification body for a stream. The same text is
// used as a photo caption, so an edit can compare against Message.Text for
// both message types.
func streamText(s db.Stream) string {
	var b strings.Builder
	switch {
	case s.IsOffline:
		b.WriteString("⏹ ")
	case s.IsTimeout:
		b.WriteString("⏳ ")
	case s.IsRecord:
		b.WriteString("🎞 ")
	default:
		b.WriteString("🔴 ")
	}
	b.WriteString(s.Title)
	if s.Game != "" {
		fmt.Fprintf(&b, " — %v", s.Game)
	}
	b.WriteString("\n")
	b.WriteString(s.Url)
	return b.String()
}
