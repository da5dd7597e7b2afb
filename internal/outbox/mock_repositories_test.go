package outbox

import (
	"errors"
	"time"

	"github.com/jsmcorp/bouge-sync/internal/models"
)

// MockMessageRepository is a map-backed implementation of
// repository.MessageRepositoryInterface for tests.
type MockMessageRepository struct {
	messages map[string]*models.Message
}

func NewMockMessageRepository() *MockMessageRepository {
	return &MockMessageRepository{messages: make(map[string]*models.Message)}
}

func (m *MockMessageRepository) Upsert(message *models.Message) error {
	copied := *message
	m.messages[copied.ID] = &copied
	return nil
}

func (m *MockMessageRepository) InsertOptimistic(message *models.Message) error {
	message.Optimistic = true
	message.DeliveryStatus = models.DeliveryPending
	copied := *message
	m.messages[copied.ID] = &copied
	return nil
}

func (m *MockMessageRepository) ResolveOptimistic(localID string, server *models.Message) error {
	delete(m.messages, localID)
	server.Optimistic = false
	if server.DeliveryStatus == "" || server.DeliveryStatus == models.DeliveryPending {
		server.DeliveryStatus = models.DeliverySent
	}
	copied := *server
	m.messages[copied.ID] = &copied
	return nil
}

func (m *MockMessageRepository) MarkFailed(localID string) error {
	if msg, ok := m.messages[localID]; ok {
		msg.DeliveryStatus = models.DeliveryFailed
	}
	return nil
}

func (m *MockMessageRepository) FindByID(id string) (*models.Message, error) {
	if msg, ok := m.messages[id]; ok {
		return msg, nil
	}
	return nil, errors.New("record not found")
}

func (m *MockMessageRepository) FindGroupMessages(groupID string, before time.Time, limit int) ([]models.Message, error) {
	var out []models.Message
	for _, msg := range m.messages {
		if msg.GroupID == groupID {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *MockMessageRepository) LatestCreatedAt() (time.Time, error) {
	var latest time.Time
	for _, msg := range m.messages {
		if !msg.Optimistic && msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
	}
	return latest, nil
}

func (m *MockMessageRepository) CountSince(groupID string, since time.Time, excludeSender string) (int64, error) {
	var count int64
	for _, msg := range m.messages {
		if msg.GroupID == groupID && msg.CreatedAt.After(since) && msg.SenderID != excludeSender {
			count++
		}
	}
	return count, nil
}

// MockOutboxRepository is a map-backed implementation of
// repository.OutboxRepositoryInterface for tests.
type MockOutboxRepository struct {
	items map[string]*models.OutboxItem

	attemptedCalls []attemptedCall
	failedIDs      []string
}

type attemptedCall struct {
	localID   string
	attempts  int
	nextRetry *time.Time
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{items: make(map[string]*models.OutboxItem)}
}

func (m *MockOutboxRepository) Enqueue(item *models.OutboxItem) error {
	if item.Status == "" {
		item.Status = models.OutboxPending
	}
	item.CreatedAt = time.Now()
	copied := *item
	m.items[copied.LocalID] = &copied
	return nil
}

func (m *MockOutboxRepository) Due(now time.Time, limit int) ([]models.OutboxItem, error) {
	var out []models.OutboxItem
	for _, item := range m.items {
		if item.Status != models.OutboxPending && item.Status != models.OutboxSending {
			continue
		}
		if item.NextRetry != nil && item.NextRetry.After(now) {
			continue
		}
		out = append(out, *item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkSending(localID string) error {
	if item, ok := m.items[localID]; ok {
		item.Status = models.OutboxSending
	}
	return nil
}

func (m *MockOutboxRepository) MarkAttempted(localID string, attempts int, nextRetry *time.Time) error {
	m.attemptedCalls = append(m.attemptedCalls, attemptedCall{localID, attempts, nextRetry})
	if item, ok := m.items[localID]; ok {
		item.Status = models.OutboxPending
		item.Attempts = attempts
		item.NextRetry = nextRetry
	}
	return nil
}

func (m *MockOutboxRepository) MarkFailed(localID string) error {
	m.failedIDs = append(m.failedIDs, localID)
	if item, ok := m.items[localID]; ok {
		item.Status = models.OutboxFailed
	}
	return nil
}

func (m *MockOutboxRepository) Requeue(localID string) error {
	if item, ok := m.items[localID]; ok {
		item.Status = models.OutboxPending
		item.Attempts = 0
		item.NextRetry = nil
	}
	return nil
}

func (m *MockOutboxRepository) Delete(localID string) error {
	delete(m.items, localID)
	return nil
}

func (m *MockOutboxRepository) CountPending() (int64, error) {
	var count int64
	for _, item := range m.items {
		if item.Status == models.OutboxPending || item.Status == models.OutboxSending {
			count++
		}
	}
	return count, nil
}

// MockDeviceTokenRepository returns a fixed set of active registrations.
type MockDeviceTokenRepository struct {
	tokens []models.DeviceToken
}

func (m *MockDeviceTokenRepository) ActiveForUser(userID string) ([]models.DeviceToken, error) {
	var out []models.DeviceToken
	for _, t := range m.tokens {
		if t.UserID == userID && t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}
