package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

const (
	// DefaultRecentCapacity - сколько последних уведомлений держим в памяти
	DefaultRecentCapacity = 100

	defaultListLimit = 100
	maxListLimit     = 500

	// Таймаут записи одного уведомления в журнал
	persistTimeout = 5 * time.Second

	// Журнал подрезается до capacity раз в cleanupEvery записей
	cleanupEvery = 50
)

// ErrInvalidSeverity - фильтр по неизвестному уровню
var ErrInvalidSeverity = errors.New("severity must be one of info, warn, error")

// NotificationService записывает уведомления ядра и рассылает их наблюдателям.
//
// Отвечает за:
// - Запись в журнал (Postgres), если он включён
// - Кольцо последних уведомлений в памяти (всегда)
// - Broadcast через WebSocket
// - Выдачу списка для API с фильтром по типам или уровню
//
// Типы уведомлений:
// - RISK_TRIGGER: стоимость вышла за границы
// - LIQUIDATION / LIQUIDATION_FAILED: итог закрытия позиций
// - VALUATION_ERROR: нет цены для позиции
// - BOUNDS: оператор изменил границы
// - CONNECTION: подключение к площадке
type NotificationService struct {
	notificationRepo NotificationRepositoryInterface // nil - только память
	wsHub            WebSocketBroadcaster

	mu       sync.RWMutex
	recent   []*models.Notification // старые в начале
	capacity int
	nextID   int
	written  int

	log *utils.Logger
}

// NewNotificationService создает сервис. repo может быть nil: тогда
// уведомления живут только в памяти.
func NewNotificationService(repo NotificationRepositoryInterface, capacity int, log *utils.Logger) *NotificationService {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &NotificationService{
		notificationRepo: repo,
		recent:           make([]*models.Notification, 0, capacity),
		capacity:         capacity,
		nextID:           1,
		log:              log.WithComponent("notifications"),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
//
// Вызывается после инициализации Hub в main.go:
//
//	notifService := service.NewNotificationService(repo, 100, log)
//	notifService.SetWebSocketHub(wsHub)
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// Run читает уведомления ядра из канала до отмены ctx или закрытия канала
func (s *NotificationService) Run(ctx context.Context, ch <-chan *models.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-ch:
			if !ok {
				return
			}
			persistCtx, cancel := context.WithTimeout(ctx, persistTimeout)
			if err := s.CreateNotification(persistCtx, notif); err != nil {
				s.log.Warn("Failed to persist notification",
					utils.String("type", notif.Type),
					utils.Err(err),
				)
			}
			cancel()
		}
	}
}

// CreateNotification записывает уведомление и рассылает его.
//
// Ошибка журнала не теряет уведомление: оно всё равно попадает в память
// и к наблюдателям, а ошибка возвращается вызывающему.
func (s *NotificationService) CreateNotification(ctx context.Context, notif *models.Notification) error {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}

	var persistErr error
	if s.notificationRepo != nil {
		persistErr = s.notificationRepo.Create(ctx, notif)
	}

	s.mu.Lock()
	if s.notificationRepo == nil || persistErr != nil {
		notif.ID = s.nextID
		s.nextID++
	}
	if len(s.recent) >= s.capacity {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:len(s.recent)-1]
	}
	s.recent = append(s.recent, notif)
	s.written++
	cleanup := s.notificationRepo != nil && persistErr == nil && s.written%cleanupEvery == 0
	s.mu.Unlock()

	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(notif)
	}

	if cleanup {
		if _, err := s.notificationRepo.KeepRecent(ctx, s.capacity); err != nil {
			s.log.Warn("Notification journal cleanup failed", utils.Err(err))
		}
	}

	return persistErr
}

// GetNotifications возвращает список уведомлений с фильтрацией.
//
// types - типы для фильтрации; пустой список или только неизвестные типы
// означают все. limit по умолчанию 100, не больше 500.
// Результат отсортирован по времени, новые сверху.
func (s *NotificationService) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	limit = clampLimit(limit)

	normalizedTypes := make([]string, 0, len(types))
	for _, t := range types {
		normalized := strings.ToUpper(strings.TrimSpace(t))
		if normalized != "" && isValidNotificationType(normalized) {
			normalizedTypes = append(normalizedTypes, normalized)
		}
	}

	if s.notificationRepo != nil {
		if len(normalizedTypes) > 0 {
			return s.notificationRepo.GetByTypes(ctx, normalizedTypes, limit)
		}
		return s.notificationRepo.GetRecent(ctx, limit)
	}

	return s.recentFromMemory(normalizedTypes, limit), nil
}

// GetNotificationsBySeverity - последние уведомления уровня severity (info, warn, error)
func (s *NotificationService) GetNotificationsBySeverity(ctx context.Context, severity string, limit int) ([]*models.Notification, error) {
	severity = strings.ToLower(strings.TrimSpace(severity))
	if !models.IsValidSeverity(severity) {
		return nil, ErrInvalidSeverity
	}
	limit = clampLimit(limit)

	if s.notificationRepo != nil {
		return s.notificationRepo.GetBySeverity(ctx, severity, limit)
	}
	return s.filterMemory(limit, func(n *models.Notification) bool {
		return n.Severity == severity
	}), nil
}

// GetNotification возвращает уведомление по ID или models.ErrNotificationNotFound
func (s *NotificationService) GetNotification(ctx context.Context, id int) (*models.Notification, error) {
	if s.notificationRepo != nil {
		return s.notificationRepo.GetByID(ctx, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.recent {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, models.ErrNotificationNotFound
}

func (s *NotificationService) recentFromMemory(types []string, limit int) []*models.Notification {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return s.filterMemory(limit, func(n *models.Notification) bool {
		return len(typeSet) == 0 || typeSet[n.Type]
	})
}

// filterMemory - новые сверху, не больше limit
func (s *NotificationService) filterMemory(limit int, keep func(*models.Notification) bool) []*models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Notification, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(result) < limit; i-- {
		if n := s.recent[i]; keep(n) {
			result = append(result, n)
		}
	}
	return result
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// ClearNotifications очищает журнал и память
func (s *NotificationService) ClearNotifications(ctx context.Context) error {
	if s.notificationRepo != nil {
		if err := s.notificationRepo.DeleteAll(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.recent = s.recent[:0]
	s.mu.Unlock()
	return nil
}

// CleanupOld оставляет только последние keepCount записей журнала
func (s *NotificationService) CleanupOld(ctx context.Context, keepCount int) (int64, error) {
	if keepCount <= 0 {
		keepCount = s.capacity
	}
	if s.notificationRepo != nil {
		return s.notificationRepo.KeepRecent(ctx, keepCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) <= keepCount {
		return 0, nil
	}
	removed := len(s.recent) - keepCount
	s.recent = append(s.recent[:0], s.recent[removed:]...)
	return int64(removed), nil
}

// isValidNotificationType проверяет, является ли тип допустимым.
func isValidNotificationType(notifType string) bool {
	switch notifType {
	case models.NotificationTypeRiskTrigger,
		models.NotificationTypeLiquidation,
		models.NotificationTypeLiquidationFailed,
		models.NotificationTypeValuationError,
		models.NotificationTypeBounds,
		models.NotificationTypeConnection:
		return true
	}
	return false
}
