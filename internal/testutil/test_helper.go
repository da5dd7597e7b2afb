package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/repository"
	"gorm.io/gorm"
)

// TestHelper provides utility functions for tests
type TestHelper struct {
	t *testing.T
}

func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// OpenTestDB opens a throwaway on-disk store under the test's temp dir.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	return db
}

// CreateTestMessage creates a test message with default values
func (h *TestHelper) CreateTestMessage(id, groupID, senderID, content string) *models.Message {
	if id == "" {
		id = "srv-1"
	}
	if groupID == "" {
		groupID = "group-1"
	}
	if senderID == "" {
		senderID = "user-1"
	}
	if content == "" {
		content = "Test message"
	}

	return &models.Message{
		ID:             id,
		GroupID:        groupID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    models.TextMessage,
		DeliveryStatus: models.DeliverySent,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
}

// CreateTestOutboxItem creates a queued outbox item with default values
func (h *TestHelper) CreateTestOutboxItem(localID, groupID, senderID, content string) *models.OutboxItem {
	if localID == "" {
		localID = "tmp-1"
	}
	if groupID == "" {
		groupID = "group-1"
	}
	if senderID == "" {
		senderID = "user-1"
	}
	if content == "" {
		content = "Test message"
	}

	return &models.OutboxItem{
		LocalID:     localID,
		GroupID:     groupID,
		SenderID:    senderID,
		Content:     content,
		MessageType: models.TextMessage,
		Status:      models.OutboxPending,
		CreatedAt:   time.Now(),
	}
}

// AssertError checks if an error occurred when it should (or shouldn't)
func (h *TestHelper) AssertError(err error, shouldErr bool, testName string) {
	if (err != nil) != shouldErr {
		if shouldErr {
			h.t.Errorf("%s: expected error but got nil", testName)
		} else {
			h.t.Errorf("%s: unexpected error: %v", testName, err)
		}
	}
}

// AssertEqual checks if two values are equal
func (h *TestHelper) AssertEqual(got, want interface{}, testName string) {
	if got != want {
		h.t.Errorf("%s: got %v, want %v", testName, got, want)
	}
}

// Eventually polls cond until it returns true or the deadline passes.
func Eventually(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}
