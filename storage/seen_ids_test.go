package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeenStanzaIDOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	oldTimestamp := nowUnixMilli() - 10_000
	newTimestamp := nowUnixMilli()

	var fresh bool
	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		var err error
		fresh, err = tx.MarkSeenStanzaID("alice@example.org", "stanza-old", oldTimestamp)
		return err
	}))
	assert.True(t, fresh)

	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		var err error
		fresh, err = tx.MarkSeenStanzaID("alice@example.org", "stanza-old", newTimestamp)
		return err
	}))
	assert.False(t, fresh, "second insert of the same stanza id is a replay")

	require.NoError(t, store.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.MarkSeenStanzaID("alice@example.org", "stanza-new", newTimestamp)
		return err
	}))

	seen, err := store.HasSeenStanzaID(ctx, "alice@example.org", "stanza-old")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.HasSeenStanzaID(ctx, "other@example.org", "stanza-old")
	require.NoError(t, err)
	assert.False(t, seen, "seen ids are scoped per account")

	pruned, err := store.PruneSeenStanzaIDs(ctx, nowUnixMilli()-5_000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	seen, err = store.HasSeenStanzaID(ctx, "alice@example.org", "stanza-old")
	require.NoError(t, err)
	assert.False(t, seen)
}
