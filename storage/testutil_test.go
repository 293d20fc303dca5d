package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveOutgoing(t *testing.T, store *Store, account, peer, body string) Message {
	t.Helper()

	message := Message{
		UniqueID:  uuid.NewString(),
		Account:   account,
		Peer:      peer,
		Body:      &body,
		Timestamp: nowUnixMilli(),
	}
	if err := store.SaveMessage(context.Background(), message); err != nil {
		t.Fatalf("save message %q: %v", body, err)
	}
	return message
}

func mustSaveAttachment(t *testing.T, store *Store, messageID string, position int, isImage bool) Attachment {
	t.Helper()

	attachment := Attachment{
		AttachmentID: uuid.NewString(),
		MessageID:    messageID,
		Position:     position,
		FileURL:      "https://upload.example.org/" + messageID + "/file.bin",
		FileName:     "file.bin",
		FileSize:     1000,
		IsImage:      isImage,
	}
	if err := store.SaveAttachment(context.Background(), attachment); err != nil {
		t.Fatalf("save attachment: %v", err)
	}
	return attachment
}
