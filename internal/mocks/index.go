package mocks

import (
	"context"
	"sync"

	"github.com/sleepstars/localbrain/internal/models"
)

// MockIndex implements the retriever's Index interface for testing
type MockIndex struct {
	QueryFunc func(ctx context.Context, text string, k int) ([]models.IndexMatch, error)
}

func (m *MockIndex) Query(ctx context.Context, text string, k int) ([]models.IndexMatch, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, text, k)
	}
	return nil, nil
}

// MockLog implements conversationlog.Appender and keeps entries in memory
type MockLog struct {
	AppendFunc func(entry *models.LogEntry) error

	mu      sync.Mutex
	entries []models.LogEntry
}

func (m *MockLog) Append(entry *models.LogEntry) error {
	if m.AppendFunc != nil {
		if err := m.AppendFunc(entry); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

// Entries returns a copy of the appended entries.
func (m *MockLog) Entries() []models.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LogEntry(nil), m.entries...)
}
