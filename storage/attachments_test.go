package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentsKeepOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	message := mustSaveOutgoing(t, store, "alice@example.org", "bob@example.org", "photos")

	third := mustSaveAttachment(t, store, message.UniqueID, 2, true)
	first := mustSaveAttachment(t, store, message.UniqueID, 0, true)
	second := mustSaveAttachment(t, store, message.UniqueID, 1, false)

	all, err := store.ListAttachments(ctx, message.UniqueID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, first.AttachmentID, all[0].AttachmentID)
	assert.Equal(t, second.AttachmentID, all[1].AttachmentID)
	assert.Equal(t, third.AttachmentID, all[2].AttachmentID)

	images, err := store.ListImageAttachments(ctx, message.UniqueID)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, first.AttachmentID, images[0].AttachmentID)
	assert.Equal(t, third.AttachmentID, images[1].AttachmentID)
	for _, image := range images {
		assert.False(t, image.Downloaded())
	}
}

func TestSaveAttachmentValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	message := mustSaveOutgoing(t, store, "alice@example.org", "bob@example.org", "file")

	path := "/already/there"
	err := store.SaveAttachment(ctx, Attachment{
		AttachmentID: "a-1",
		MessageID:    message.UniqueID,
		FileURL:      "https://host/f.png",
		FileName:     "f.png",
		FilePath:     &path,
	})
	assert.Error(t, err, "file path is reserved for downloads")

	err = store.SaveAttachment(ctx, Attachment{
		AttachmentID: "a-2",
		MessageID:    "missing-message",
		FileURL:      "https://host/f.png",
		FileName:     "f.png",
	})
	assert.Error(t, err, "foreign key to messages is enforced")

	width := 640
	require.NoError(t, store.SaveAttachment(ctx, Attachment{
		AttachmentID: "a-3",
		MessageID:    message.UniqueID,
		FileURL:      "https://host/doc.pdf",
		FileName:     "doc.pdf",
		ImageWidth:   &width,
	}))
	got, err := store.FindAttachment(ctx, "a-3")
	require.NoError(t, err)
	assert.Nil(t, got.ImageWidth, "dimensions are only kept for images")
}
