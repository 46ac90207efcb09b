package mailbox

import (
	"errors"
	"io"
	"net"
	"net/textproto"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripReplyTail(t *testing.T) {
	body := "Thanks, that fixed it!\n\nOn Mon, Aug 3, 2026 at 9:14 AM Support <support@example.com> wrote:\n> Try resetting your password."

	assert.Equal(t, "Thanks, that fixed it!", stripReplyTail(body))
}

func TestStripReplyTailNoQuote(t *testing.T) {
	assert.Equal(t, "Just a plain message.", stripReplyTail("Just a plain message.\n"))
}

func TestStripReplyTailIgnoresNonAttributionLines(t *testing.T) {
	body := "First line\nSomeone once wrote: things\nlast line"
	// A line mentioning "wrote:" only counts when it starts with "On ".
	assert.Equal(t, body, stripReplyTail(body))
}

func TestTrimMsgID(t *testing.T) {
	assert.Equal(t, "abc@example.com", trimMsgID("<abc@example.com>"))
	assert.Equal(t, "abc@example.com", trimMsgID(" abc@example.com "))
	assert.Equal(t, "", trimMsgID(""))
}

func TestParseMIMEBodyPlainFallback(t *testing.T) {
	refs, text := parseMIMEBody([]byte("not a mime message at all"))
	assert.Empty(t, refs)
	assert.Equal(t, "not a mime message at all", text)
}

func TestParseMIMEBodyReadsReferences(t *testing.T) {
	raw := "From: customer@example.com\r\n" +
		"To: support@example.com\r\n" +
		"Subject: Hi\r\n" +
		"References: <a@x> <b@x>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello support\r\n"

	refs, text := parseMIMEBody([]byte(raw))
	assert.Equal(t, "<a@x> <b@x>", refs)
	assert.Contains(t, text, "hello support")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"smtp 421", &textproto.Error{Code: 421, Msg: "closing channel"}, KindDisconnect},
		{"smtp 450", &textproto.Error{Code: 450, Msg: "mailbox busy"}, KindThrottle},
		{"smtp 451", &textproto.Error{Code: 451, Msg: "try again"}, KindThrottle},
		{"smtp 452", &textproto.Error{Code: 452, Msg: "too many"}, KindThrottle},
		{"smtp 550", &textproto.Error{Code: 550, Msg: "no such user"}, KindOther},
		{"eof", io.EOF, KindDisconnect},
		{"unexpected eof", io.ErrUnexpectedEOF, KindDisconnect},
		{"net closed", net.ErrClosed, KindDisconnect},
		{"econnreset", syscall.ECONNRESET, KindDisconnect},
		{"epipe", syscall.EPIPE, KindDisconnect},
		{"timeout", timeoutErr{}, KindThrottle},
		{"closed message", errors.New("imapclient: connection closed"), KindDisconnect},
		{"broken pipe message", errors.New("write: broken pipe"), KindDisconnect},
		{"plain", errors.New("something else"), KindOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err))
		})
	}
}

func TestClassifyPreservesExistingKind(t *testing.T) {
	wrapped := wrapErr("outer", &Error{Kind: KindThrottle, Op: "inner", Err: errors.New("rate limit")})
	assert.True(t, IsThrottle(wrapped))
	assert.False(t, IsDisconnect(wrapped))
}

func TestWrapErrNil(t *testing.T) {
	assert.NoError(t, wrapErr("op", nil))
}

func TestDraftFoldersDeduplicates(t *testing.T) {
	s := &Session{}
	s.cfg.DraftsFolder = "Drafts"

	folders := s.draftFolders()
	assert.Equal(t, []string{"Drafts", "[Gmail]/Drafts", "[Google Mail]/Drafts", "INBOX"}, folders)
}

func TestDraftFoldersConfiguredFirst(t *testing.T) {
	s := &Session{}
	s.cfg.DraftsFolder = "Custom/Drafts"

	folders := s.draftFolders()
	assert.Equal(t, "Custom/Drafts", folders[0])
	assert.Equal(t, "INBOX", folders[len(folders)-1])
}
