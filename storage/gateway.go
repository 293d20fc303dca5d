package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Gateway is the transactional persistence surface used by the delivery
// tracker and the transfer coordinator. Callers never hold a transaction
// across network I/O.
type Gateway interface {
	Transaction(ctx context.Context, fn func(tx *Tx) error) error
	FindMessage(ctx context.Context, id string) (*Message, error)
	FindAttachment(ctx context.Context, id string) (*Attachment, error)
}

var _ Gateway = (*Store)(nil)

// Tx is an open write transaction. It is only valid inside the function
// passed to Store.Transaction.
type Tx struct {
	ctx context.Context
	tx  *sqlx.Tx
}

// Transaction runs fn with exclusive write access and commits atomically.
// Any error returned by fn, or a panic inside it, rolls back every write.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&Tx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindMessage fetches one message by unique ID outside of a transaction.
func (s *Store) FindMessage(ctx context.Context, id string) (*Message, error) {
	return findMessage(ctx, s.db, id)
}

// FindAttachment fetches one attachment by ID outside of a transaction.
func (s *Store) FindAttachment(ctx context.Context, id string) (*Attachment, error) {
	return findAttachment(ctx, s.db, id)
}

// FindMessage fetches one message by unique ID.
func (t *Tx) FindMessage(id string) (*Message, error) {
	return findMessage(t.ctx, t.tx, id)
}

// FindMessageByStanzaID fetches the outgoing message carrying a correlation token.
func (t *Tx) FindMessageByStanzaID(account, stanzaID string) (*Message, error) {
	return findOutgoingByStanzaID(t.ctx, t.tx, account, stanzaID)
}

// FindAttachment fetches one attachment by ID.
func (t *Tx) FindAttachment(id string) (*Attachment, error) {
	return findAttachment(t.ctx, t.tx, id)
}

// UpdateAttachmentPath sets the local file path of an attachment together
// with the digest of its bytes. The path can only be set once.
func (t *Tx) UpdateAttachmentPath(id, path, digest string) error {
	if id == "" {
		return errors.New("attachment_id is required")
	}
	if path == "" {
		return errors.New("file_path is required")
	}

	res, err := t.tx.ExecContext(
		t.ctx,
		`UPDATE attachments
		SET file_path = ?, digest = ?
		WHERE attachment_id = ? AND file_path IS NULL`,
		path,
		stringPointer(digest),
		id,
	)
	if err != nil {
		return fmt.Errorf("update attachment path %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for attachment path %q: %w", id, err)
	}
	if rowsAffected == 0 {
		if _, err := findAttachment(t.ctx, t.tx, id); err != nil {
			return err
		}
		return ErrPathAlreadySet
	}

	return nil
}

// UpdateMessageFlags overwrites the mutable state flags of a message.
func (t *Tx) UpdateMessageFlags(id string, flags MessageFlags) error {
	if id == "" {
		return errors.New("message_id is required")
	}

	res, err := t.tx.ExecContext(
		t.ctx,
		`UPDATE messages
		SET sent = ?,
			delivered = ?,
			read = ?,
			acknowledged = ?,
			error = ?,
			error_description = ?,
			in_progress = ?,
			superseded = ?
		WHERE unique_id = ?`,
		flags.Sent,
		flags.Delivered,
		flags.Read,
		flags.Acknowledged,
		flags.Error,
		stringPointer(flags.ErrorDescription),
		flags.InProgress,
		flags.Superseded,
		id,
	)
	if err != nil {
		return fmt.Errorf("update flags for message %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for message flags %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// SetStanzaID records the outgoing correlation token of a message. Setting
// the same token twice is a no-op; a different token is rejected.
func (t *Tx) SetStanzaID(id, stanzaID string) error {
	if id == "" {
		return errors.New("message_id is required")
	}
	if stanzaID == "" {
		return errors.New("stanza_id is required")
	}

	res, err := t.tx.ExecContext(
		t.ctx,
		`UPDATE messages
		SET stanza_id = ?
		WHERE unique_id = ? AND (stanza_id IS NULL OR stanza_id = ?)`,
		stanzaID,
		id,
		stanzaID,
	)
	if err != nil {
		return fmt.Errorf("set stanza id for message %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for stanza id %q: %w", id, err)
	}
	if rowsAffected == 0 {
		if _, err := findMessage(t.ctx, t.tx, id); err != nil {
			return err
		}
		return ErrStanzaIDConflict
	}

	return nil
}

// SaveMessage inserts a message row inside the transaction.
func (t *Tx) SaveMessage(message Message) error {
	return insertMessage(t.ctx, t.tx, message)
}

// SaveAttachment inserts an attachment row inside the transaction.
func (t *Tx) SaveAttachment(attachment Attachment) error {
	return insertAttachment(t.ctx, t.tx, attachment)
}

// MarkSeenStanzaID records an incoming stanza ID and reports whether it was new.
func (t *Tx) MarkSeenStanzaID(account, stanzaID string, receivedAt int64) (bool, error) {
	return markSeenStanzaID(t.ctx, t.tx, account, stanzaID, receivedAt)
}

func findMessage(ctx context.Context, q sqlx.QueryerContext, id string) (*Message, error) {
	if id == "" {
		return nil, errors.New("message_id is required")
	}

	var message Message
	err := sqlx.GetContext(ctx, q, &message,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE unique_id = ?`,
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	return &message, nil
}

func findOutgoingByStanzaID(ctx context.Context, q sqlx.QueryerContext, account, stanzaID string) (*Message, error) {
	if account == "" {
		return nil, errors.New("account is required")
	}
	if stanzaID == "" {
		return nil, errors.New("stanza_id is required")
	}

	var message Message
	err := sqlx.GetContext(ctx, q, &message,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE account = ? AND stanza_id = ? AND incoming = 0`,
		account,
		stanzaID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message by stanza id %q: %w", stanzaID, err)
	}
	return &message, nil
}

func findAttachment(ctx context.Context, q sqlx.QueryerContext, id string) (*Attachment, error) {
	if id == "" {
		return nil, errors.New("attachment_id is required")
	}

	var attachment Attachment
	err := sqlx.GetContext(ctx, q, &attachment,
		`SELECT`+attachmentColumns+`
		FROM attachments
		WHERE attachment_id = ?`,
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get attachment %q: %w", id, err)
	}
	return &attachment, nil
}
