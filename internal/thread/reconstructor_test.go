package thread

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/support-agent/internal/model"
)

type fakeStore struct {
	messages  map[string]*model.Message
	groups    map[string][]string
	byMsgID   map[string][]string
	fetchErrs map[string]error
	groupErr  error

	fetches  []string
	searches []string
}

func (f *fakeStore) Fetch(_ context.Context, id string) (*model.Message, error) {
	f.fetches = append(f.fetches, id)
	if err, ok := f.fetchErrs[id]; ok {
		return nil, err
	}
	return f.messages[id], nil
}

func (f *fakeStore) SearchThreadGroup(_ context.Context, groupID string) ([]string, error) {
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	return f.groups[groupID], nil
}

func (f *fakeStore) SearchMessageID(_ context.Context, ref string) ([]string, error) {
	f.searches = append(f.searches, ref)
	return f.byMsgID[ref], nil
}

func at(minutes int) time.Time {
	return time.Date(2026, 8, 1, 12, minutes, 0, 0, time.UTC)
}

func TestReconstructByThreadGroup(t *testing.T) {
	store := &fakeStore{
		messages: map[string]*model.Message{
			"1": {ID: "1", ThreadingID: "a@x", SentAt: at(0)},
			"2": {ID: "2", ThreadingID: "b@x", SentAt: at(5)},
			"3": {ID: "3", ThreadingID: "c@x", SentAt: at(10)},
		},
		groups: map[string][]string{
			"c@x": {"3", "1", "2"},
		},
	}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "3")

	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, "1", thread[0].ID)
	assert.Equal(t, "2", thread[1].ID)
	assert.Equal(t, "3", thread[2].ID)
	assert.Equal(t, "3", thread.Latest().ID)
}

func TestReconstructGroupDeduplicates(t *testing.T) {
	store := &fakeStore{
		messages: map[string]*model.Message{
			"1": {ID: "1", ThreadingID: "a@x", SentAt: at(0)},
			"2": {ID: "2", ThreadingID: "b@x", SentAt: at(5)},
		},
		groups: map[string][]string{
			"b@x": {"1", "2", "1", "2"},
		},
	}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "2")

	require.NoError(t, err)
	assert.Len(t, thread, 2)
}

func TestReconstructDropsUnfetchableMembers(t *testing.T) {
	store := &fakeStore{
		messages: map[string]*model.Message{
			"1": {ID: "1", ThreadingID: "a@x", SentAt: at(0)},
			"3": {ID: "3", ThreadingID: "c@x", SentAt: at(10)},
		},
		groups: map[string][]string{
			"c@x": {"1", "2", "3"},
		},
		fetchErrs: map[string]error{"2": errors.New("expunged")},
	}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "3")

	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, "1", thread[0].ID)
	assert.Equal(t, "3", thread[1].ID)
}

// headerStore answers searches from the message headers themselves, the
// way the IMAP session does: a thread-group query matches the message
// whose Message-ID equals the group id plus any message whose References
// mention it, and a message-id query matches on Message-ID alone.
type headerStore struct {
	messages map[string]*model.Message
}

func (h *headerStore) Fetch(_ context.Context, id string) (*model.Message, error) {
	return h.messages[id], nil
}

func (h *headerStore) SearchThreadGroup(_ context.Context, groupID string) ([]string, error) {
	var ids []string
	for id, m := range h.messages {
		if m.ThreadingID == groupID || strings.Contains(m.ParentChain, "<"+groupID+">") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (h *headerStore) SearchMessageID(_ context.Context, ref string) ([]string, error) {
	var ids []string
	for id, m := range h.messages {
		if m.ThreadingID == ref {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func TestReconstructNewestSeedRecoversHistory(t *testing.T) {
	// The seed is the newest message, so nothing references it and the
	// group query can only ever match the seed itself. The full
	// conversation must still come back through the References chain.
	store := &headerStore{
		messages: map[string]*model.Message{
			"1": {ID: "1", ThreadingID: "a@x", SentAt: at(0)},
			"2": {
				ID:          "2",
				ThreadingID: "b@x",
				ParentChain: "<a@x>",
				SentAt:      at(5),
			},
		},
	}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "2")

	require.NoError(t, err)
	require.Len(t, thread, 2, "conversation collapsed to the seed")
	assert.Equal(t, "1", thread[0].ID)
	assert.Equal(t, "2", thread[1].ID)
}

func TestReconstructGroupWithOnlySeedFallsBack(t *testing.T) {
	store := &fakeStore{
		messages: map[string]*model.Message{
			"5": {
				ID:          "5",
				ThreadingID: "c@x",
				ParentChain: "<a@x>",
				SentAt:      at(10),
			},
			"4": {ID: "4", ThreadingID: "a@x", SentAt: at(0)},
		},
		groups:  map[string][]string{"c@x": {"5"}},
		byMsgID: map[string][]string{"a@x": {"4"}},
	}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "5")

	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, "4", thread[0].ID)
	assert.Equal(t, "5", thread[1].ID)
}

func TestReconstructFallsBackToReferences(t *testing.T) {
	store := &fakeStore{
		messages: map[string]*model.Message{
			"10": {ID: "10", ThreadingID: "a@x", SentAt: at(0)},
			"11": {ID: "11", ThreadingID: "b@x", SentAt: at(5)},
			"12": {
				ID:          "12",
				ThreadingID: "c@x",
				ParentChain: "<a@x> <b@x>",
				SentAt:      at(10),
			},
		},
		groupErr: errors.New("search not supported"),
		byMsgID: map[string][]string{
			"a@x": {"10"},
			"b@x": {"11"},
		},
	}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "12")

	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, []string{"10", "11", "12"},
		[]string{thread[0].ID, thread[1].ID, thread[2].ID})
	assert.Equal(t, []string{"a@x", "b@x"}, store.searches)
}

func TestReconstructReferencesDeduplicatesSeed(t *testing.T) {
	store := &fakeStore{
		messages: map[string]*model.Message{
			"5": {
				ID:          "5",
				ThreadingID: "e@x",
				ParentChain: "<e@x>",
				SentAt:      at(0),
			},
		},
		byMsgID: map[string][]string{"e@x": {"5"}},
	}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "5")

	require.NoError(t, err)
	assert.Len(t, thread, 1)
}

func TestReconstructMissingSeedYieldsEmptyThread(t *testing.T) {
	r := New(&fakeStore{}, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "404")

	assert.NoError(t, err)
	assert.Nil(t, thread)
}

func TestReconstructSeedFetchErrorYieldsEmptyThread(t *testing.T) {
	store := &fakeStore{fetchErrs: map[string]error{"9": errors.New("io error")}}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "9")

	assert.NoError(t, err)
	assert.Nil(t, thread)
}

func TestReconstructSeedWithoutReferencesStandsAlone(t *testing.T) {
	store := &fakeStore{
		messages: map[string]*model.Message{
			"7": {ID: "7", ThreadingID: "solo@x", SentAt: at(0)},
		},
	}
	r := New(store, zerolog.Nop())

	thread, err := r.Reconstruct(context.Background(), "7")

	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "7", thread[0].ID)
}
