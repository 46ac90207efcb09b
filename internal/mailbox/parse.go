package mailbox

import (
	"bytes"
	"io"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/support-agent/internal/model"
)

// parseMessage builds a model.Message from the fetched envelope and raw
// body. A missing Date sorts the message at parse time, which only
// affects the ordering of malformed input.
func parseMessage(id string, buf *imapclient.FetchMessageBuffer, rawBody []byte) *model.Message {
	msg := &model.Message{
		ID:     id,
		SentAt: time.Now(),
	}

	if buf.Envelope != nil {
		msg.Subject = buf.Envelope.Subject
		msg.ThreadingID = trimMsgID(buf.Envelope.MessageID)
		if !buf.Envelope.Date.IsZero() {
			msg.SentAt = buf.Envelope.Date
		}
		if len(buf.Envelope.From) > 0 {
			msg.From = buf.Envelope.From[0].Addr()
		}
		if len(buf.Envelope.To) > 0 {
			msg.To = buf.Envelope.To[0].Addr()
		}
	}

	if len(rawBody) > 0 {
		refs, text := parseMIMEBody(rawBody)
		msg.ParentChain = refs
		msg.Body = stripReplyTail(text)
	}

	return msg
}

// parseMIMEBody parses a raw RFC 5322 message with go-message and
// returns the References header and a plain-text rendering of the body.
// Messages with only an HTML part are converted to markdown-ish text.
func parseMIMEBody(raw []byte) (references, text string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		return "", string(raw)
	}
	defer mr.Close()

	references = mr.Header.Get("References")

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		}
	}

	if textBody == "" && htmlBody != "" {
		if converted, err := htmltomarkdown.ConvertString(htmlBody); err == nil {
			textBody = converted
		} else {
			textBody = htmlBody
		}
	}

	return references, textBody
}

// stripReplyTail prunes quoted reply history: everything from the first
// "On ... wrote:" attribution line on is dropped.
func stripReplyTail(body string) string {
	lines := strings.Split(body, "\n")
	pruned := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "On ") && strings.Contains(trimmed, " wrote:") {
			break
		}
		pruned = append(pruned, line)
	}
	return strings.TrimSpace(strings.Join(pruned, "\n"))
}

// trimMsgID strips the angle brackets an IMAP envelope may keep around a
// Message-ID.
func trimMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
