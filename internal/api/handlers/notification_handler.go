package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"riskguard/internal/models"
	"riskguard/internal/service"
)

// NotificationHandler отвечает за журнал уведомлений
//
// Endpoints:
// - GET /api/v1/notifications - получение списка уведомлений
// - GET /api/v1/notifications?types=risk_trigger,liquidation_failed - с фильтрацией по типам
// - GET /api/v1/notifications?severity=error - с фильтрацией по уровню
// - GET /api/v1/notifications?limit=50 - с ограничением количества
// - GET /api/v1/notifications/{id} - одно уведомление
// - DELETE /api/v1/notifications - очистка журнала уведомлений
type NotificationHandler struct {
	notificationService service.NotificationServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notificationService service.NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	Total         int               `json:"total"`
}

// NotificationDTO представляет уведомление в API
type NotificationDTO struct {
	ID        int                    `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// GetNotifications возвращает список уведомлений с фильтрацией
//
// GET /api/v1/notifications
//
// Query параметры:
// - types (string): типы через запятую, например risk_trigger,liquidation_failed
// - severity (string): info, warn или error; вместе с types не допускается
// - limit (int): количество записей (по умолчанию 100, максимум 500)
//
// HTTP коды:
// - 200 OK: успешно, новые сверху
// - 400 Bad Request: неизвестный severity или severity вместе с types
// - 500 Internal Server Error: ошибка журнала
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	typesParam := r.URL.Query().Get("types")
	severityParam := strings.TrimSpace(r.URL.Query().Get("severity"))
	limitParam := r.URL.Query().Get("limit")

	if severityParam != "" && typesParam != "" {
		respondWithError(w, http.StatusBadRequest, CodeInvalidRequest, "types and severity filters cannot be combined", "")
		return
	}

	var types []string
	if typesParam != "" {
		for _, part := range strings.Split(typesParam, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				types = append(types, strings.ToUpper(trimmed))
			}
		}
	}

	limit := 100
	if limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var (
		notifications []*models.Notification
		err           error
	)
	if severityParam != "" {
		notifications, err = h.notificationService.GetNotificationsBySeverity(r.Context(), severityParam, limit)
	} else {
		notifications, err = h.notificationService.GetNotifications(r.Context(), types, limit)
	}
	if err != nil {
		if errors.Is(err, service.ErrInvalidSeverity) {
			respondWithError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid severity", err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to get notifications", err.Error())
		return
	}

	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		dtos = append(dtos, toNotificationDTO(n))
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: dtos,
		Total:         len(dtos),
	})
}

// GetNotification возвращает одно уведомление
//
// GET /api/v1/notifications/{id}
//
// HTTP коды:
// - 200 OK
// - 400 Bad Request: id не число
// - 404 Not Found: нет такого уведомления
func (h *NotificationHandler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid notification id", "")
		return
	}

	n, err := h.notificationService.GetNotification(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotificationNotFound) {
			respondWithError(w, http.StatusNotFound, CodeNotFound, "Notification not found", "")
			return
		}
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to get notification", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, toNotificationDTO(n))
}

func toNotificationDTO(n *models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        n.ID,
		Timestamp: n.Timestamp.Format(time.RFC3339),
		Type:      n.Type,
		Severity:  n.Severity,
		Message:   n.Message,
		Meta:      n.Meta,
	}
}

// ClearNotifications очищает журнал уведомлений
//
// DELETE /api/v1/notifications
func (h *NotificationHandler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.notificationService.ClearNotifications(r.Context()); err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to clear notifications", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Notifications cleared successfully"})
}
