package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustSaveOutgoing(t, store, "alice@example.org", "bob@example.org", "first")
	second := mustSaveOutgoing(t, store, "alice@example.org", "bob@example.org", "second")
	mustSaveOutgoing(t, store, "alice@example.org", "carol@example.org", "other conversation")

	conversation, err := store.GetMessages(ctx, "alice@example.org", "bob@example.org", 10, 0)
	require.NoError(t, err)
	require.Len(t, conversation, 2)

	got, err := store.FindMessage(ctx, first.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, "first", *got.Body)
	assert.Nil(t, got.Action)
	assert.False(t, got.Sent)
	assert.Nil(t, got.StanzaID)

	unsent, err := store.GetUnsentMessages(ctx, "alice@example.org")
	require.NoError(t, err)
	assert.Len(t, unsent, 3)

	err = store.Transaction(ctx, func(tx *Tx) error {
		if err := tx.SetStanzaID(second.UniqueID, "stanza-2"); err != nil {
			return err
		}
		flags := second.Flags()
		flags.Sent = true
		return tx.UpdateMessageFlags(second.UniqueID, flags)
	})
	require.NoError(t, err)

	byStanza, err := store.FindMessageByStanzaID(ctx, "alice@example.org", "stanza-2")
	require.NoError(t, err)
	assert.Equal(t, second.UniqueID, byStanza.UniqueID)
	assert.True(t, byStanza.Sent)

	unsent, err = store.GetUnsentMessages(ctx, "alice@example.org")
	require.NoError(t, err)
	assert.Len(t, unsent, 2)
}

func TestSaveMessageRejectsInconsistentRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	body := "text"
	action := "joined"

	err := store.SaveMessage(ctx, Message{UniqueID: "m-1", Account: "a", Peer: "p", Body: &body, Action: &action})
	assert.Error(t, err, "body and action together must be rejected")

	err = store.SaveMessage(ctx, Message{UniqueID: "m-2", Account: "a", Peer: "p"})
	assert.Error(t, err, "message without body or action must be rejected")

	err = store.SaveMessage(ctx, Message{UniqueID: "m-3", Account: "a", Peer: "p", Body: &body, Delivered: true})
	assert.Error(t, err, "delivered without sent must be rejected")

	err = store.SaveMessage(ctx, Message{UniqueID: "m-4", Account: "a", Peer: "p", Action: &action, Incoming: true})
	assert.NoError(t, err)
}

func TestFindMessageNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.FindMessage(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.FindMessageByStanzaID(context.Background(), "a", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutgoingStanzaIDUniquePerAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	one := mustSaveOutgoing(t, store, "alice@example.org", "bob@example.org", "one")
	two := mustSaveOutgoing(t, store, "alice@example.org", "bob@example.org", "two")
	other := mustSaveOutgoing(t, store, "dave@example.org", "bob@example.org", "three")

	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		return tx.SetStanzaID(one.UniqueID, "token")
	}))

	err := store.Transaction(ctx, func(tx *Tx) error {
		return tx.SetStanzaID(two.UniqueID, "token")
	})
	assert.Error(t, err, "same token for two outgoing messages of one account")

	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		return tx.SetStanzaID(other.UniqueID, "token")
	}), "token reuse across accounts is allowed")
}

func TestSetStanzaIDIsImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	message := mustSaveOutgoing(t, store, "alice@example.org", "bob@example.org", "hi")

	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		return tx.SetStanzaID(message.UniqueID, "token-a")
	}))
	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		return tx.SetStanzaID(message.UniqueID, "token-a")
	}), "setting the same token again is a no-op")

	err := store.Transaction(ctx, func(tx *Tx) error {
		return tx.SetStanzaID(message.UniqueID, "token-b")
	})
	assert.ErrorIs(t, err, ErrStanzaIDConflict)

	err = store.Transaction(ctx, func(tx *Tx) error {
		return tx.SetStanzaID("missing", "token-c")
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
