// Package orchestrator runs the poll loop: it discovers unseen support
// mail, reconstructs each conversation, and fans out one handling task
// per conversation through generation, approval and delivery.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/support-agent/internal/agent"
	"github.com/nhle/support-agent/internal/deliver"
	"github.com/nhle/support-agent/internal/mailbox"
	"github.com/nhle/support-agent/internal/model"
	"github.com/nhle/support-agent/internal/registry"
)

// Mailbox is the inbound mail surface the loop drives.
type Mailbox interface {
	FindUnseen(ctx context.Context) ([]string, error)
	MarkSeen(ctx context.Context, id string) error
	AppendDraft(ctx context.Context, raw []byte) error
}

// Reconstructor rebuilds the conversation around one unseen message.
type Reconstructor interface {
	Reconstruct(ctx context.Context, seedID string) (model.Thread, error)
}

// Generator drafts a reply to a conversation.
type Generator interface {
	Generate(ctx context.Context, thread model.Thread) (string, error)
}

// Approver suspends until a human decides what to do with a draft.
type Approver interface {
	RequestApproval(ctx context.Context, thread model.Thread, draft *model.Outbound) (model.Decision, error)
}

// Deliverer sends an approved reply.
type Deliverer interface {
	Deliver(ctx context.Context, msg *model.Outbound) deliver.Result
}

// Orchestrator polls the mailbox and handles each conversation at most
// once concurrently. A nil approver sends every draft directly.
type Orchestrator struct {
	mailbox       Mailbox
	reconstructor Reconstructor
	generator     Generator
	approver      Approver
	deliverer     Deliverer
	registry      *registry.Registry
	accountAddr   string
	interval      time.Duration
	log           zerolog.Logger

	wg sync.WaitGroup
}

// New wires the loop. interval is the poll period; approver may be nil.
func New(
	mb Mailbox,
	rec Reconstructor,
	gen Generator,
	approver Approver,
	del Deliverer,
	accountAddr string,
	interval time.Duration,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		mailbox:       mb,
		reconstructor: rec,
		generator:     gen,
		approver:      approver,
		deliverer:     del,
		registry:      registry.New(),
		accountAddr:   accountAddr,
		interval:      interval,
		log:           log.With().Str("component", "orchestrator").Logger(),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight handling
// tasks to finish. The first cycle runs immediately.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().Dur("interval", o.interval).Msg("poll loop started")

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("poll loop stopping, waiting for in-flight conversations")
			o.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			o.cycle(ctx)
		}
	}
}

// cycle runs one poll pass. Errors are logged and absorbed so a bad
// pass never kills the loop.
func (o *Orchestrator) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Msg("poll cycle panicked")
		}
	}()

	seeds, err := o.mailbox.FindUnseen(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("listing unseen mail failed")
		return
	}
	if len(seeds) == 0 {
		return
	}
	o.log.Info().Int("unseen", len(seeds)).Int("active", o.registry.Active()).Msg("unseen mail found")

	for _, seed := range seeds {
		thread, err := o.reconstructor.Reconstruct(ctx, seed)
		if err != nil {
			o.log.Error().Err(err).Str("seed", seed).Msg("reconstructing conversation failed")
			continue
		}
		if len(thread) == 0 {
			// Seed vanished between search and fetch.
			continue
		}

		key := model.KeyFor(thread)
		if !o.registry.TryAcquire(key) {
			o.log.Debug().Str("key", string(key)).Msg("conversation already in flight")
			continue
		}

		o.wg.Add(1)
		go o.handle(ctx, key, thread)
	}
}

// handle runs one conversation end to end. The registry slot is held
// for the whole task and released on every path, panics included.
func (o *Orchestrator) handle(ctx context.Context, key model.ConversationKey, thread model.Thread) {
	defer o.wg.Done()
	defer o.registry.Release(key)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Str("key", string(key)).Msg("conversation handling panicked")
		}
	}()

	log := o.log.With().Str("key", string(key)).Str("subject", thread.Latest().Subject).Logger()

	outcome, err := o.process(ctx, key, thread, log)
	if err != nil {
		log.Error().Err(err).Msg("conversation handling failed")
		return
	}
	log.Info().Stringer("outcome", outcome).Msg("conversation handled")
}

func (o *Orchestrator) process(ctx context.Context, key model.ConversationKey, thread model.Thread, log zerolog.Logger) (model.Outcome, error) {
	latest := thread.Latest()

	reply, err := o.generator.Generate(ctx, thread)
	if err != nil {
		// A failed generation is treated like a declined one: the email
		// stays unread for a human.
		log.Warn().Err(err).Msg("reply generation failed")
		return model.OutcomeAbandoned, nil
	}
	if agent.Unsure(reply) {
		// Leave the email unread so a human picks it up.
		log.Info().Msg("model declined to answer")
		return model.OutcomeAbandoned, nil
	}

	outbound, err := mailbox.ComposeReply(latest, reply, o.accountAddr)
	if err != nil {
		return 0, fmt.Errorf("composing reply: %w", err)
	}

	decision := model.DecisionSend
	if o.approver != nil {
		decision, err = o.approver.RequestApproval(ctx, thread, outbound)
		if err != nil {
			// The reviewer is unreachable; proceed as if approved rather
			// than dropping the reply on the floor.
			log.Warn().Err(err).Msg("approval unavailable, sending directly")
			decision = model.DecisionSend
		}
	}

	if decision == model.DecisionSaveAsDraft {
		if err := o.mailbox.AppendDraft(ctx, outbound.Raw); err != nil {
			return 0, fmt.Errorf("saving draft: %w", err)
		}
		return model.OutcomeSavedAsDraft, nil
	}

	result := o.deliverer.Deliver(ctx, outbound)
	if !result.Sent() {
		return model.OutcomeDeliveryFailed, nil
	}

	if err := o.mailbox.MarkSeen(ctx, latest.ID); err != nil {
		// The reply went out; a redundant reply on the next cycle is the
		// cost of a failed flag update.
		log.Warn().Err(err).Msg("marking original seen failed")
	}
	return model.OutcomeSent, nil
}
