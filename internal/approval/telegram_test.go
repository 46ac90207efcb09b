package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSummaryHTMLEscapes(t *testing.T) {
	s := Summary{
		From:     "eve <eve@example.com>",
		Subject:  "1 < 2 & 3",
		Original: "body",
		Draft:    "draft",
	}

	out := formatSummaryHTML(s)

	assert.Contains(t, out, "eve &lt;eve@example.com&gt;")
	assert.Contains(t, out, "1 &lt; 2 &amp; 3")
	assert.Contains(t, out, "<b>New Support Email</b>")
}

func TestFormatSummaryPlainKeepsRawText(t *testing.T) {
	s := Summary{From: "a <b>", Subject: "s", Original: "o", Draft: "d"}

	out := formatSummaryPlain(s)

	assert.Contains(t, out, "a <b>")
	assert.NotContains(t, out, "&lt;")
}

func TestAllowedEmptyListAdmitsEveryone(t *testing.T) {
	tg := &Telegram{}
	assert.True(t, tg.allowed(12345))
}

func TestAllowedChecksList(t *testing.T) {
	tg := &Telegram{adminIDs: []string{"100", "200"}}
	assert.True(t, tg.allowed(100))
	assert.True(t, tg.allowed(200))
	assert.False(t, tg.allowed(300))
}
