// Package deliver turns an approved reply into a sent message, driving
// the outbound session through connect, send, retry and backoff.
package deliver

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/support-agent/internal/mailbox"
	"github.com/nhle/support-agent/internal/model"
)

// Sender is the outbound transport the engine drives. One Sender serves
// one delivery attempt sequence and is closed when the sequence ends.
type Sender interface {
	// Probe checks that the current session is alive.
	Probe(ctx context.Context) error
	// Reconnect establishes a fresh session, dropping any stale one.
	Reconnect(ctx context.Context) error
	// Send submits one rendered message.
	Send(ctx context.Context, msg *model.Outbound) error
	// Close quits the session.
	Close() error
}

// State is the terminal state of a delivery.
type State int

const (
	StateConfirmed State = iota
	StateFailed
)

// Attempt records one pass through the send loop.
type Attempt struct {
	Number  int
	Backoff time.Duration
	Err     error
}

// Result is the outcome of a delivery with its attempt log.
type Result struct {
	State    State
	Attempts []Attempt
}

// Sent reports whether the delivery was confirmed.
func (r Result) Sent() bool { return r.State == StateConfirmed }

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 2 * time.Second
)

// Engine sends messages with bounded retries. Each Deliver call opens
// its own Sender, so concurrent handling tasks never share a session.
// Disconnects reconnect and retry immediately; rate limits and
// everything else back off starting at the base delay and doubling per
// retry. After the attempt cap the message is left unsent and the
// caller must keep the original unread.
type Engine struct {
	newSender   func() Sender
	log         zerolog.Logger
	maxAttempts int
	baseBackoff time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Engine with the default attempt cap and backoff base.
// newSender is invoked once per Deliver call.
func New(newSender func() Sender, log zerolog.Logger) *Engine {
	return &Engine{
		newSender:   newSender,
		log:         log.With().Str("component", "deliver").Logger(),
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		sleep:       sleepCtx,
	}
}

// Deliver runs the send state machine for one message on a sender of
// its own. It never touches the original message's read-state; that
// stays with the caller.
func (e *Engine) Deliver(ctx context.Context, msg *model.Outbound) Result {
	sender := e.newSender()
	defer func() { _ = sender.Close() }()

	var result Result
	backoff := e.baseBackoff

	for n := 1; n <= e.maxAttempts; n++ {
		err := e.attempt(ctx, sender, msg, n > 1)
		if err == nil {
			result.Attempts = append(result.Attempts, Attempt{Number: n})
			result.State = StateConfirmed
			e.log.Info().Str("to", msg.To).Int("attempts", n).Msg("message sent")
			return result
		}

		attempt := Attempt{Number: n, Err: err}

		if mailbox.IsDisconnect(err) {
			// Immediately retryable: the next pass reconnects without
			// growing the delay.
			e.log.Warn().Err(err).Int("attempt", n).Msg("send failed on dead session, reconnecting")
			result.Attempts = append(result.Attempts, attempt)
			continue
		}

		attempt.Backoff = backoff
		result.Attempts = append(result.Attempts, attempt)
		e.log.Warn().Err(err).Int("attempt", n).Dur("backoff", backoff).Msg("send failed")

		if n < e.maxAttempts {
			if serr := e.sleep(ctx, backoff); serr != nil {
				result.State = StateFailed
				return result
			}
			backoff *= 2
		}
	}

	result.State = StateFailed
	e.log.Error().Str("to", msg.To).Int("attempts", e.maxAttempts).Msg("delivery failed, message left unsent")
	return result
}

// attempt is one Connecting -> Sending pass. A retry always
// re-establishes the session before resubmitting: a rejected DATA leaves
// the server mid-transaction, where a NOOP probe would still pass but a
// reissued MAIL would be refused.
func (e *Engine) attempt(ctx context.Context, sender Sender, msg *model.Outbound, retry bool) error {
	if retry {
		if err := sender.Reconnect(ctx); err != nil {
			return err
		}
	} else if err := sender.Probe(ctx); err != nil {
		if rerr := sender.Reconnect(ctx); rerr != nil {
			return rerr
		}
	}
	return sender.Send(ctx, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
