// Package approval pairs a generated draft with a pending human
// decision: a notification goes out on an external channel, the handling
// task suspends, and the channel's callback (or a timeout) wakes it with
// the verdict.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/support-agent/internal/model"
)

// Choice identifiers carried in the notification and echoed back by the
// channel's callback.
const (
	ChoiceSend        = "send"
	ChoiceSaveAsDraft = "draft"
)

// Handle is the channel's opaque reference to a sent notification, used
// to withdraw its interactive affordance on timeout.
type Handle any

// Summary is the human-readable digest shown alongside the two choices.
type Summary struct {
	From     string
	Subject  string
	Original string
	Draft    string
}

// Notifier is the outbound side of the approval channel.
type Notifier interface {
	Notify(ctx context.Context, key model.ConversationKey, s Summary) (Handle, error)
	// Withdraw disables the notification's choices; best-effort.
	Withdraw(ctx context.Context, h Handle) error
}

const (
	originalSummaryLimit = 300
	draftSummaryLimit    = 500
)

type pendingApproval struct {
	decision model.Decision
	done     chan struct{}
	resolved bool
	handle   Handle
}

// Rendezvous correlates notifications with decisions by conversation
// key. Exactly one decision wins per request; the rest are ignored.
type Rendezvous struct {
	notifier Notifier
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[model.ConversationKey]*pendingApproval
}

// New creates a Rendezvous over the given channel. timeout bounds the
// wait for a decision; on expiry the draft is saved rather than sent.
func New(notifier Notifier, timeout time.Duration, log zerolog.Logger) *Rendezvous {
	return &Rendezvous{
		notifier: notifier,
		timeout:  timeout,
		log:      log.With().Str("component", "approval").Logger(),
		pending:  make(map[model.ConversationKey]*pendingApproval),
	}
}

// RequestApproval notifies the channel about the draft and suspends
// until a decision arrives or the timeout passes. The pending entry is
// registered before the notification goes out, so a callback can never
// beat the registration. Timeout and cancellation both resolve to
// SaveAsDraft.
func (r *Rendezvous) RequestApproval(ctx context.Context, thread model.Thread, draft *model.Outbound) (model.Decision, error) {
	latest := thread.Latest()
	if latest == nil {
		return model.DecisionUnset, fmt.Errorf("requesting approval: empty thread")
	}

	key := model.KeyFor(thread)

	p := &pendingApproval{done: make(chan struct{})}
	r.mu.Lock()
	if _, exists := r.pending[key]; exists {
		r.mu.Unlock()
		return model.DecisionUnset, fmt.Errorf("requesting approval: conversation %s already pending", key)
	}
	r.pending[key] = p
	r.mu.Unlock()

	summary := Summary{
		From:     latest.From,
		Subject:  latest.Subject,
		Original: truncate(latest.Body, originalSummaryLimit),
		Draft:    truncate(draft.BodyText, draftSummaryLimit),
	}

	handle, err := r.notifier.Notify(ctx, key, summary)
	if err != nil {
		r.deregister(key)
		return model.DecisionUnset, fmt.Errorf("notifying approval channel: %w", err)
	}

	r.mu.Lock()
	p.handle = handle
	r.mu.Unlock()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		r.mu.Lock()
		decision := p.decision
		r.mu.Unlock()
		r.deregister(key)
		r.log.Info().Str("key", string(key)).Stringer("decision", decision).Msg("approval decision received")
		return decision, nil

	case <-timer.C:
		r.deregister(key)
		r.withdraw(ctx, key, handle)
		r.log.Warn().Str("key", string(key)).Msg("approval timed out, saving as draft")
		return model.DecisionSaveAsDraft, nil

	case <-ctx.Done():
		r.deregister(key)
		r.withdraw(context.WithoutCancel(ctx), key, handle)
		return model.DecisionSaveAsDraft, ctx.Err()
	}
}

// Resolve records the channel's callback for key. The first decision
// wins; later calls and unknown keys report false and change nothing.
func (r *Rendezvous) Resolve(key model.ConversationKey, choiceID string) bool {
	var decision model.Decision
	switch choiceID {
	case ChoiceSend:
		decision = model.DecisionSend
	case ChoiceSaveAsDraft:
		decision = model.DecisionSaveAsDraft
	default:
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[key]
	if !ok || p.resolved {
		// Late or duplicate callbacks are expected on an at-least-once
		// channel; ignore them.
		r.log.Debug().Str("key", string(key)).Str("choice", choiceID).Msg("ignoring callback with no pending approval")
		return false
	}

	p.decision = decision
	p.resolved = true
	close(p.done)
	return true
}

func (r *Rendezvous) deregister(key model.ConversationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, key)
}

func (r *Rendezvous) withdraw(ctx context.Context, key model.ConversationKey, handle Handle) {
	if handle == nil {
		return
	}
	if err := r.notifier.Withdraw(ctx, handle); err != nil {
		r.log.Warn().Err(err).Str("key", string(key)).Msg("withdrawing notification failed")
	}
}

// truncate limits s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
