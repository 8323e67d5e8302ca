package bridge

import (
	"fmt"
	"strings"

	"github.com/tatsuya-oka/claude-bridge/internal/gateway"
)

// maxInboundLen caps the text accepted from a single chat message before
// injection into a session.
const maxInboundLen = 4000

// FormatInjection renders an inbound event as the text typed into the
// session. Slash commands pass through verbatim so the CLI interprets
// them; plain text is prefixed so the CLI can tell relayed chat from
// local keyboard input. Staged image paths are appended as markers, and
// the session ordinal is tagged on the end.
func FormatInjection(ev gateway.InboundEvent, ordinal int) string {
	var b strings.Builder
	if ev.Kind == gateway.KindSlashCommand {
		b.WriteString(ev.Content)
	} else {
		b.WriteString("Message from Discord: ")
		b.WriteString(ev.Content)
	}
	for _, img := range ev.Images {
		fmt.Fprintf(&b, " [Image: %s]", img.Path)
	}
	fmt.Fprintf(&b, " session=%d", ordinal)
	return b.String()
}
