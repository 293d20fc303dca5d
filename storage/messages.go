package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SaveMessage inserts a new message row.
func (s *Store) SaveMessage(ctx context.Context, message Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return insertMessage(ctx, s.db, message)
}

// GetMessages returns conversation messages between an account and a peer ordered by timestamp.
func (s *Store) GetMessages(ctx context.Context, account, peer string, limit, offset int) ([]Message, error) {
	if account == "" {
		return nil, errors.New("account is required")
	}
	if peer == "" {
		return nil, errors.New("peer is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	messages := make([]Message, 0)
	err := s.db.SelectContext(ctx, &messages,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE account = ? AND peer = ? AND superseded = 0
		ORDER BY timestamp ASC, unique_id ASC
		LIMIT ? OFFSET ?`,
		account,
		peer,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for %q/%q: %w", account, peer, err)
	}

	return messages, nil
}

// GetUnsentMessages returns outgoing messages of an account that were neither sent nor failed.
func (s *Store) GetUnsentMessages(ctx context.Context, account string) ([]Message, error) {
	if account == "" {
		return nil, errors.New("account is required")
	}

	messages := make([]Message, 0)
	err := s.db.SelectContext(ctx, &messages,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE account = ? AND incoming = 0 AND sent = 0 AND error = 0 AND superseded = 0
		ORDER BY timestamp ASC, unique_id ASC`,
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("get unsent messages for %q: %w", account, err)
	}

	return messages, nil
}

// FindMessageByStanzaID fetches the outgoing message of an account carrying a correlation token.
func (s *Store) FindMessageByStanzaID(ctx context.Context, account, stanzaID string) (*Message, error) {
	return findOutgoingByStanzaID(ctx, s.db, account, stanzaID)
}

func insertMessage(ctx context.Context, e sqlx.ExtContext, message Message) error {
	if message.UniqueID == "" {
		return errors.New("unique_id is required")
	}
	if message.Account == "" {
		return errors.New("account is required")
	}
	if message.Peer == "" {
		return errors.New("peer is required")
	}
	if (message.Body == nil) == (message.Action == nil) {
		return errors.New("exactly one of body and action is required")
	}
	if !message.Sent && (message.Delivered || message.Acknowledged) {
		return errors.New("unsent message cannot be delivered or acknowledged")
	}
	if message.Error && message.Delivered {
		return errors.New("errored message cannot be delivered")
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := sqlx.NamedExecContext(ctx, e,
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (
			:unique_id,
			:account,
			:peer,
			:resource,
			:body,
			:action,
			:incoming,
			:encrypted,
			:offline,
			:timestamp,
			:delay_timestamp,
			:error,
			:error_description,
			:delivered,
			:sent,
			:read,
			:stanza_id,
			:received_from_archive,
			:forwarded,
			:acknowledged,
			:in_progress,
			:superseded
		)`,
		message,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.UniqueID, err)
	}

	return nil
}
