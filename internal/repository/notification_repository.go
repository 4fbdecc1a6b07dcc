package repository

// NotificationRepository - журнал уведомлений оператора в Postgres
//
// Функции:
// - EnsureSchema: создать таблицу notifications при старте
// - Create: записать уведомление
// - GetByID / GetRecent / GetByTypes / GetBySeverity: выборки для API
// - DeleteAll / KeepRecent: очистка журнала

import (
	"context"
	"database/sql"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"riskguard/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const notificationColumns = `id, timestamp, type, severity, message, meta`

const notificationSchema = `
	CREATE TABLE IF NOT EXISTS notifications (
		id        SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		type      VARCHAR(32) NOT NULL,
		severity  VARCHAR(16) NOT NULL,
		message   TEXT NOT NULL,
		meta      JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications (timestamp DESC)`

// NotificationRepository - работа с таблицей notifications
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// EnsureSchema создает таблицу, если её нет
func (r *NotificationRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, notificationSchema)
	return err
}

// Create сохраняет уведомление и заполняет ID.
// Нулевой Timestamp заменяется текущим временем.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, type, severity, message, meta)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var meta []byte
	if len(n.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(n.Meta); err != nil {
			return err
		}
	}

	return r.db.QueryRowContext(ctx, query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.Message,
		meta,
	).Scan(&n.ID)
}

// GetByID возвращает уведомление по ID
func (r *NotificationRepository) GetByID(ctx context.Context, id int) (*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// GetRecent возвращает последние limit уведомлений, новые сверху
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications ORDER BY timestamp DESC LIMIT $1`
	return r.queryList(ctx, query, limit)
}

// GetByTypes возвращает последние уведомления указанных типов
func (r *NotificationRepository) GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE type = ANY($1) ORDER BY timestamp DESC LIMIT $2`
	return r.queryList(ctx, query, pq.Array(types), limit)
}

// GetBySeverity возвращает последние уведомления уровня severity
func (r *NotificationRepository) GetBySeverity(ctx context.Context, severity string, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE severity = $1 ORDER BY timestamp DESC LIMIT $2`
	return r.queryList(ctx, query, severity, limit)
}

// DeleteAll очищает журнал
func (r *NotificationRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notifications`)
	return err
}

// KeepRecent оставляет только последние keep записей
func (r *NotificationRepository) KeepRecent(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM notifications WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY timestamp DESC LIMIT $1
		)`

	res, err := r.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *NotificationRepository) queryList(ctx context.Context, query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// rowScanner - общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(s rowScanner) (*models.Notification, error) {
	n := &models.Notification{}
	var meta []byte
	err := s.Scan(
		&n.ID,
		&n.Timestamp,
		&n.Type,
		&n.Severity,
		&n.Message,
		&meta,
	)
	if err != nil {
		return nil, err
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Meta); err != nil {
			return nil, err
		}
	}
	return n, nil
}
