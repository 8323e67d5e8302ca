package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tatsuya-oka/claude-bridge/internal/gateway"
)

func TestFormatInjectionPlainText(t *testing.T) {
	ev := gateway.InboundEvent{
		ChannelID: "c1",
		Kind:      gateway.KindText,
		Content:   "hello there",
	}
	got := FormatInjection(ev, 2)
	assert.Equal(t, "Message from Discord: hello there session=2", got)
}

func TestFormatInjectionSlashCommandVerbatim(t *testing.T) {
	ev := gateway.InboundEvent{
		ChannelID: "c1",
		Kind:      gateway.KindSlashCommand,
		Content:   "/compact keep the summary short",
	}
	got := FormatInjection(ev, 1)
	assert.Equal(t, "/compact keep the summary short session=1", got)
}

func TestFormatInjectionImages(t *testing.T) {
	ev := gateway.InboundEvent{
		ChannelID: "c1",
		Kind:      gateway.KindText,
		Content:   "look at this",
		Images: []gateway.StagedImage{
			{Path: "/tmp/att/IMG_20260829_120000_abcd1234.png"},
		},
	}
	got := FormatInjection(ev, 3)
	assert.Equal(t, "Message from Discord: look at this [Image: /tmp/att/IMG_20260829_120000_abcd1234.png] session=3", got)
}
