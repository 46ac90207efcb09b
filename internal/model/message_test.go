package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadLatest(t *testing.T) {
	assert.Nil(t, Thread{}.Latest())

	thread := Thread{
		{ID: "1", SentAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
		{ID: "2", SentAt: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)},
	}
	require.NotNil(t, thread.Latest())
	assert.Equal(t, "2", thread.Latest().ID)
}

func TestKeyForUsesLatestID(t *testing.T) {
	thread := Thread{{ID: "7"}, {ID: "9"}}
	assert.Equal(t, ConversationKey("9"), KeyFor(thread))
}

func TestKeyForFallsBackWhenIDMissing(t *testing.T) {
	k1 := KeyFor(Thread{{ID: ""}})
	k2 := KeyFor(Thread{})
	assert.NotEmpty(t, k1)
	assert.NotEmpty(t, k2)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "send", DecisionSend.String())
	assert.Equal(t, "save_as_draft", DecisionSaveAsDraft.String())
	assert.Equal(t, "unset", DecisionUnset.String())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "sent", OutcomeSent.String())
	assert.Equal(t, "saved_draft", OutcomeSavedAsDraft.String())
	assert.Equal(t, "abandoned", OutcomeAbandoned.String())
	assert.Equal(t, "delivery_failed", OutcomeDeliveryFailed.String())
}
