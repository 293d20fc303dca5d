package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// HasSeenStanzaID returns true if an incoming stanza ID was already stored for the account.
func (s *Store) HasSeenStanzaID(ctx context.Context, account, stanzaID string) (bool, error) {
	if account == "" || stanzaID == "" {
		return false, errors.New("account and stanza_id are required")
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM seen_stanza_ids WHERE account = ? AND stanza_id = ?)`,
		account,
		stanzaID,
	); err != nil {
		return false, fmt.Errorf("check seen stanza ID %q: %w", stanzaID, err)
	}

	return exists == 1, nil
}

// PruneSeenStanzaIDs removes seen_stanza_ids rows older than cutoff timestamp.
func (s *Store) PruneSeenStanzaIDs(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_stanza_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen stanza IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}

func markSeenStanzaID(ctx context.Context, e sqlx.ExecerContext, account, stanzaID string, receivedAt int64) (bool, error) {
	if account == "" || stanzaID == "" {
		return false, errors.New("account and stanza_id are required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	res, err := e.ExecContext(ctx,
		`INSERT INTO seen_stanza_ids (account, stanza_id, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account, stanza_id) DO NOTHING`,
		account,
		stanzaID,
		receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert seen stanza ID %q: %w", stanzaID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen stanza ID %q: %w", stanzaID, err)
	}
	return rowsAffected == 1, nil
}
