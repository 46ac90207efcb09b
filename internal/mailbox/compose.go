package mailbox

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/russross/blackfriday/v2"

	"github.com/nhle/support-agent/internal/model"
)

var msgIDPattern = regexp.MustCompile(`<([^>]+)>`)

// ComposeReply renders a reply to orig with the given markdown body. The
// reply goes back to the sender, from the address the customer wrote to
// (falling back to accountAddr), with threading headers chaining it onto
// the original: In-Reply-To names the original message and References
// folds the original's id onto its own parent chain.
func ComposeReply(orig *model.Message, bodyMarkdown, accountAddr string) (*model.Outbound, error) {
	if orig == nil {
		return nil, fmt.Errorf("composing reply: no original message")
	}

	from := orig.To
	if from == "" {
		from = accountAddr
	}
	to := orig.From
	if to == "" {
		return nil, fmt.Errorf("composing reply: original message has no sender")
	}

	subject := orig.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	setAddress(&h, "From", from)
	setAddress(&h, "To", to)
	h.SetMsgIDList("Message-Id", []string{newMessageID(from)})

	if orig.ThreadingID != "" {
		h.SetMsgIDList("In-Reply-To", []string{orig.ThreadingID})
		h.SetMsgIDList("References", foldReferences(orig.ParentChain, orig.ThreadingID))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating reply writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("creating reply body: %w", err)
	}

	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	if err := writePart(iw, th, []byte(bodyMarkdown)); err != nil {
		return nil, err
	}

	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	htmlBody := blackfriday.Run([]byte(bodyMarkdown))
	if err := writePart(iw, hh, htmlBody); err != nil {
		return nil, err
	}

	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("closing reply body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing reply writer: %w", err)
	}

	return &model.Outbound{
		From:     from,
		To:       to,
		Subject:  subject,
		BodyText: bodyMarkdown,
		Raw:      buf.Bytes(),
	}, nil
}

func writePart(iw *mail.InlineWriter, h mail.InlineHeader, body []byte) error {
	pw, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating reply part: %w", err)
	}
	if _, err := pw.Write(body); err != nil {
		_ = pw.Close()
		return fmt.Errorf("writing reply part: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("closing reply part: %w", err)
	}
	return nil
}

// setAddress sets an address header, preferring a parsed address list so
// go-message can fold and encode it properly.
func setAddress(h *mail.Header, key, value string) {
	if addrs, err := mail.ParseAddressList(value); err == nil && len(addrs) > 0 {
		h.SetAddressList(key, addrs)
		return
	}
	h.Set(key, value)
}

// foldReferences appends the original message id to its own parent
// chain, deduplicating, so the reply's References lists the full lineage.
func foldReferences(parentChain, threadingID string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, m := range msgIDPattern.FindAllStringSubmatch(parentChain, -1) {
		if id := m[1]; !seen[id] {
			seen[id] = true
			refs = append(refs, id)
		}
	}
	if !seen[threadingID] {
		refs = append(refs, threadingID)
	}
	return refs
}

// newMessageID generates a fresh Message-ID scoped to the sending
// address's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i+1 < len(from) {
		domain = strings.Trim(from[i+1:], ">")
	}
	return uuid.NewString() + "@" + domain
}
