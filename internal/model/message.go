package model

import (
	"strconv"
	"time"
)

// Message is a single email, immutable once parsed from the raw message.
type Message struct {
	// ID is the provider-assigned identifier (IMAP UID), stable within
	// a session.
	ID string

	From    string
	To      string
	Subject string

	// Body is the plain-text body with quoted reply tails trimmed.
	Body string

	SentAt time.Time

	// ThreadingID is the Message-ID header, used for reply chaining.
	ThreadingID string

	// ParentChain is the References header: the accumulated list of
	// ancestor message identifiers in angle brackets.
	ParentChain string
}

// Thread is an ordered conversation, sorted ascending by SentAt.
// The last element is the message a reply addresses.
type Thread []Message

// Latest returns the most recent message of the thread, or nil if the
// thread is empty.
func (t Thread) Latest() *Message {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// ConversationKey identifies one conversation for dedup and approval
// correlation.
type ConversationKey string

// KeyFor derives the conversation key from the thread's most recent
// message. A message without a provider ID falls back to a
// timestamp-derived value.
func KeyFor(t Thread) ConversationKey {
	latest := t.Latest()
	if latest == nil || latest.ID == "" {
		return ConversationKey(strconv.FormatInt(time.Now().UnixNano(), 10))
	}
	return ConversationKey(latest.ID)
}

// Decision is the outcome of a human approval request.
type Decision int

const (
	DecisionUnset Decision = iota
	DecisionSend
	DecisionSaveAsDraft
)

// String returns the decision name for logging.
func (d Decision) String() string {
	switch d {
	case DecisionSend:
		return "send"
	case DecisionSaveAsDraft:
		return "save_as_draft"
	default:
		return "unset"
	}
}

// Outcome is the final result of one handling task.
type Outcome int

const (
	// OutcomeSent: the reply was delivered and the original marked seen.
	OutcomeSent Outcome = iota
	// OutcomeSavedAsDraft: the draft was appended to the drafts folder;
	// the original stays unread.
	OutcomeSavedAsDraft
	// OutcomeAbandoned: the generator could not answer; the original
	// stays unread for human attention.
	OutcomeAbandoned
	// OutcomeDeliveryFailed: all delivery attempts failed; the original
	// stays unread and will be retried on a later cycle.
	OutcomeDeliveryFailed
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSavedAsDraft:
		return "saved_draft"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeDeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// Outbound is a rendered reply ready for SMTP submission.
type Outbound struct {
	From    string
	To      string
	Subject string

	// BodyText is the unrendered reply text, kept for summaries and logs.
	BodyText string

	// Raw is the full RFC 5322 message as written to the wire.
	Raw []byte
}
