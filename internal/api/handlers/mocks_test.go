package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/engine"
	"riskguard/internal/models"
	"riskguard/internal/service"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// ============ Mock RiskEngine ============

// MockEngine мок для RiskEngine
type MockEngine struct {
	mu        sync.Mutex
	snapshot  engine.Snapshot
	updateErr error
	updates   []engine.BoundsUpdate
}

func NewMockEngine() *MockEngine {
	return &MockEngine{snapshot: engine.Snapshot{Connection: models.ConnDisconnected}}
}

func (m *MockEngine) Snapshot() engine.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *MockEngine) Bounds() models.RiskBounds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Bounds
}

// UpdateBounds ведёт себя как ядро: применяет и валидирует
func (m *MockEngine) UpdateBounds(ctx context.Context, u engine.BoundsUpdate) (models.RiskBounds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updates = append(m.updates, u)
	if m.updateErr != nil {
		return models.RiskBounds{}, m.updateErr
	}
	next := u.Apply(m.snapshot.Bounds)
	if err := next.Validate(); err != nil {
		return models.RiskBounds{}, err
	}
	m.snapshot.Bounds = next
	return next, nil
}

var _ RiskEngine = (*MockEngine)(nil)

// ============ Mock NotificationService ============

// MockNotificationService мок для NotificationServiceInterface
type MockNotificationService struct {
	mu            sync.RWMutex
	notifications []*models.Notification
	getErr        error
	clearErr      error
	lastTypes     []string
	lastSeverity  string
	lastLimit     int
	nextID        int
}

func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{nextID: 1}
}

func (m *MockNotificationService) AddNotification(notifType, severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, &models.Notification{
		ID:        m.nextID,
		Timestamp: time.Now(),
		Type:      notifType,
		Severity:  severity,
		Message:   message,
	})
	m.nextID++
}

func (m *MockNotificationService) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastTypes = types
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}

	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	var result []*models.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(result) < limit; i-- {
		n := m.notifications[i]
		if len(typeSet) > 0 && !typeSet[n.Type] {
			continue
		}
		result = append(result, n)
	}
	return result, nil
}

func (m *MockNotificationService) GetNotificationsBySeverity(ctx context.Context, severity string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeverity = severity
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	if !models.IsValidSeverity(severity) {
		return nil, service.ErrInvalidSeverity
	}

	var result []*models.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(result) < limit; i-- {
		if m.notifications[i].Severity == severity {
			result = append(result, m.notifications[i])
		}
	}
	return result, nil
}

func (m *MockNotificationService) GetNotification(ctx context.Context, id int) (*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, n := range m.notifications {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, models.ErrNotificationNotFound
}

func (m *MockNotificationService) ClearNotifications(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearErr != nil {
		return m.clearErr
	}
	m.notifications = nil
	return nil
}

var _ service.NotificationServiceInterface = (*MockNotificationService)(nil)
