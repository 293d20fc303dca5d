package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SaveAttachment inserts attachment metadata. The local file path is left
// unset; only a successful download fills it in.
func (s *Store) SaveAttachment(ctx context.Context, attachment Attachment) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return insertAttachment(ctx, s.db, attachment)
}

// ListAttachments returns the attachments of a message in their original order.
func (s *Store) ListAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	return s.listAttachments(ctx, messageID, false)
}

// ListImageAttachments returns only the image attachments of a message, in order.
func (s *Store) ListImageAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	return s.listAttachments(ctx, messageID, true)
}

func (s *Store) listAttachments(ctx context.Context, messageID string, imagesOnly bool) ([]Attachment, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	query := `SELECT` + attachmentColumns + `
		FROM attachments
		WHERE message_id = ?`
	if imagesOnly {
		query += " AND is_image = 1"
	}
	query += " ORDER BY position ASC, attachment_id ASC"

	attachments := make([]Attachment, 0)
	if err := s.db.SelectContext(ctx, &attachments, query, messageID); err != nil {
		return nil, fmt.Errorf("list attachments for message %q: %w", messageID, err)
	}
	return attachments, nil
}

func insertAttachment(ctx context.Context, e sqlx.ExtContext, attachment Attachment) error {
	if attachment.AttachmentID == "" {
		return errors.New("attachment_id is required")
	}
	if attachment.MessageID == "" {
		return errors.New("message_id is required")
	}
	if attachment.FileURL == "" {
		return errors.New("file_url is required")
	}
	if attachment.FileName == "" {
		return errors.New("file_name is required")
	}
	if attachment.FileSize < 0 {
		return errors.New("file_size must be >= 0")
	}
	if attachment.FilePath != nil {
		return errors.New("file_path is set by downloads only")
	}
	if !attachment.IsImage {
		attachment.ImageWidth = nil
		attachment.ImageHeight = nil
	}

	_, err := sqlx.NamedExecContext(ctx, e,
		`INSERT INTO attachments (`+attachmentColumns+`
		) VALUES (
			:attachment_id,
			:message_id,
			:position,
			:file_url,
			:file_name,
			:file_path,
			:file_size,
			:mime_type,
			:is_image,
			:image_width,
			:image_height,
			:digest
		)`,
		attachment,
	)
	if err != nil {
		return fmt.Errorf("insert attachment %q: %w", attachment.AttachmentID, err)
	}

	return nil
}
