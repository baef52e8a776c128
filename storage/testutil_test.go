package storage

import (
	"testing"
	"time"

	"sealtalk/models"
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

func mustInsertMessage(t *testing.T, store *Store, owner string, message models.Message) {
	t.Helper()

	inserted, err := store.InsertMessage(owner, message)
	if err != nil {
		t.Fatalf("insert message %q: %v", message.ID, err)
	}
	if !inserted {
		t.Fatalf("message %q was not inserted", message.ID)
	}
}

func textMessage(id, contact string, author models.Author, status models.Status, at time.Time) models.Message {
	return models.Message{
		ID:        id,
		Timestamp: at,
		Body:      "body of " + id,
		Contact:   contact,
		Author:    author,
		Status:    status,
	}
}
