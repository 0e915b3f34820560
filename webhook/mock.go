package webhook

import (
	"context"
	"insta-notifier/pkg/notifier"
	"log/slog"
	"sync"
)

// mockHistory bounds the messages a long-running dry run keeps in memory.
const mockHistory = 100

// MockProvider records messages instead of sending them. Err, when set, is
// returned from every Send.
type MockProvider struct {
	Err    error
	logger *slog.Logger
	sent   []notifier.Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock webhook provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(_ context.Context, endpoint string, msg notifier.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if len(m.sent) == mockHistory {
		m.sent = m.sent[1:]
	}
	m.sent = append(m.sent, msg)
	m.logger.Info("MOCK WEBHOOK",
		"endpoint", redact(endpoint),
		"title", msg.Title,
		"url", msg.URL)
	return nil
}

// Sent returns a copy of the most recent messages, oldest first.
func (m *MockProvider) Sent() []notifier.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notifier.Message(nil), m.sent...)
}
