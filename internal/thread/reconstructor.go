// Package thread rebuilds a full conversation from a single seed
// message, using the mail store's own thread grouping when it has one
// and falling back to chasing the References chain.
package thread

import (
	"context"
	"regexp"
	"sort"

	"github.com/rs/zerolog"

	"github.com/nhle/support-agent/internal/model"
)

// Store is the slice of the mail transport the reconstructor needs.
type Store interface {
	// Fetch returns the parsed message, or (nil, nil) when the id is
	// unknown to the server.
	Fetch(ctx context.Context, id string) (*model.Message, error)
	// SearchThreadGroup returns the ids of all messages in the
	// conversation grouped under groupID, when the store supports
	// server-side grouping.
	SearchThreadGroup(ctx context.Context, groupID string) ([]string, error)
	// SearchMessageID returns the ids of messages whose threading id
	// equals ref.
	SearchMessageID(ctx context.Context, ref string) ([]string, error)
}

var refPattern = regexp.MustCompile(`<([^>]+)>`)

// Reconstructor assembles threads from a Store.
type Reconstructor struct {
	store Store
	log   zerolog.Logger
}

// New creates a Reconstructor.
func New(store Store, log zerolog.Logger) *Reconstructor {
	return &Reconstructor{
		store: store,
		log:   log.With().Str("component", "thread").Logger(),
	}
}

// Reconstruct builds the conversation containing the seed message,
// sorted ascending by sent time. An unfetchable seed yields an empty
// thread, which signals "nothing to process" rather than an error.
// Individual members that fail to fetch are dropped; partial
// reconstruction is fine.
func (r *Reconstructor) Reconstruct(ctx context.Context, seedID string) (model.Thread, error) {
	seed, err := r.store.Fetch(ctx, seedID)
	if err != nil {
		r.log.Warn().Err(err).Str("id", seedID).Msg("seed fetch failed, skipping thread")
		return nil, nil
	}
	if seed == nil {
		return nil, nil
	}

	if t := r.byThreadGroup(ctx, seed); len(t) > 0 {
		return t, nil
	}
	return r.byReferences(ctx, seed), nil
}

// byThreadGroup asks the store for its own grouping of the seed's
// conversation. The seed always matches its own id, so a result that
// adds nothing beyond the seed carries no real grouping; it is reported
// as empty and the caller falls back to the References chain.
func (r *Reconstructor) byThreadGroup(ctx context.Context, seed *model.Message) model.Thread {
	ids, err := r.store.SearchThreadGroup(ctx, seed.ThreadingID)
	if err != nil {
		r.log.Debug().Err(err).Str("id", seed.ID).Msg("thread group search failed")
		return nil
	}
	if len(ids) == 0 {
		return nil
	}

	var t model.Thread
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		msg, err := r.store.Fetch(ctx, id)
		if err != nil || msg == nil {
			if err != nil {
				r.log.Debug().Err(err).Str("id", id).Msg("dropping unfetchable thread member")
			}
			continue
		}
		t = append(t, *msg)
	}

	if onlySeed(t, seed.ID) {
		return nil
	}
	sortBySentAt(t)
	return t
}

// onlySeed reports whether the group search produced no conversation
// members besides the seed itself.
func onlySeed(t model.Thread, seedID string) bool {
	for i := range t {
		if t[i].ID != seedID {
			return false
		}
	}
	return true
}

// byReferences chases the seed's parent chain, issuing one search per
// referenced message id. The chain length is not capped; a pathological
// mailbox pays one search per ancestor.
func (r *Reconstructor) byReferences(ctx context.Context, seed *model.Message) model.Thread {
	t := model.Thread{*seed}
	seen := map[string]bool{seed.ID: true}

	for _, m := range refPattern.FindAllStringSubmatch(seed.ParentChain, -1) {
		ids, err := r.store.SearchMessageID(ctx, m[1])
		if err != nil {
			r.log.Debug().Err(err).Str("ref", m[1]).Msg("reference search failed")
			continue
		}

		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true

			msg, err := r.store.Fetch(ctx, id)
			if err != nil || msg == nil {
				continue
			}
			t = append(t, *msg)
		}
	}

	sortBySentAt(t)
	return t
}

// sortBySentAt orders a thread ascending by sent time. The sort is
// stable so equal timestamps keep their discovery order.
func sortBySentAt(t model.Thread) {
	sort.SliceStable(t, func(i, j int) bool {
		return t[i].SentAt.Before(t[j].SentAt)
	})
}
