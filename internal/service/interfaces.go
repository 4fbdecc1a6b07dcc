package service

import (
	"context"

	"riskguard/internal/models"
)

// NotificationRepositoryInterface определяет интерфейс журнала уведомлений.
// Реализуется repository.NotificationRepository.
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, notif *models.Notification) error
	GetByID(ctx context.Context, id int) (*models.Notification, error)
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
	GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	GetBySeverity(ctx context.Context, severity string, limit int) ([]*models.Notification, error)
	DeleteAll(ctx context.Context) error
	KeepRecent(ctx context.Context, keepCount int) (int64, error)
}

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// NotificationServiceInterface - то, что нужно API от сервиса уведомлений
type NotificationServiceInterface interface {
	GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	GetNotificationsBySeverity(ctx context.Context, severity string, limit int) ([]*models.Notification, error)
	GetNotification(ctx context.Context, id int) (*models.Notification, error)
	ClearNotifications(ctx context.Context) error
}

var _ NotificationServiceInterface = (*NotificationService)(nil)
