package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"riskguard/internal/models"
)

func notif(notifType string) *models.Notification {
	return &models.Notification{Type: notifType, Severity: models.SeverityInfo, Message: notifType}
}

// ============ ТЕСТЫ ============

func TestNotificationService_CreateNotification(t *testing.T) {
	tests := []struct {
		name          string
		withRepo      bool
		createErr     error
		wantErr       bool
		wantPersisted int
		wantID        int
	}{
		{
			name:          "запись в журнал",
			withRepo:      true,
			wantPersisted: 1,
			wantID:        1000,
		},
		{
			name:   "только память",
			wantID: 1,
		},
		{
			name:      "ошибка журнала не теряет уведомление",
			withRepo:  true,
			createErr: errors.New("db down"),
			wantErr:   true,
			wantID:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var repo *MockNotificationRepository
			var svc *NotificationService
			if tt.withRepo {
				repo = NewMockNotificationRepository()
				repo.createErr = tt.createErr
				svc = NewNotificationService(repo, 10, testLogger())
			} else {
				svc = NewNotificationService(nil, 10, testLogger())
			}
			hub := &MockBroadcaster{}
			svc.SetWebSocketHub(hub)

			n := notif(models.NotificationTypeRiskTrigger)
			err := svc.CreateNotification(context.Background(), n)

			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateNotification() error = %v, wantErr %v", err, tt.wantErr)
			}
			if n.ID != tt.wantID {
				t.Errorf("ID = %d, want %d", n.ID, tt.wantID)
			}
			if n.Timestamp.IsZero() {
				t.Error("timestamp not set")
			}
			if hub.Count() != 1 {
				t.Errorf("broadcasts = %d, want 1", hub.Count())
			}
			if repo != nil && len(repo.notifications) != tt.wantPersisted {
				t.Errorf("persisted = %d, want %d", len(repo.notifications), tt.wantPersisted)
			}

			got := svc.recentFromMemory(nil, 10)
			if len(got) != 1 || got[0] != n {
				t.Errorf("recent ring = %v", got)
			}
		})
	}
}

func TestNotificationService_MemoryRing(t *testing.T) {
	svc := NewNotificationService(nil, 3, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.CreateNotification(ctx, notif(models.NotificationTypeConnection)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := svc.GetNotifications(ctx, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// новые сверху: 5, 4, 3
	for i, wantID := range []int{5, 4, 3} {
		if got[i].ID != wantID {
			t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, wantID)
		}
	}
}

func TestNotificationService_GetNotifications(t *testing.T) {
	tests := []struct {
		name     string
		withRepo bool
		types    []string
		limit    int
		wantLen  int
	}{
		{"все из журнала", true, nil, 0, 4},
		{"фильтр по типу из журнала", true, []string{" liquidation_failed "}, 10, 2},
		{"неизвестный тип - все", true, []string{"OPEN"}, 10, 4},
		{"лимит", true, nil, 1, 1},
		{"все из памяти", false, nil, 0, 4},
		{"фильтр по типу из памяти", false, []string{"bounds"}, 10, 1},
		{"лимит больше максимума", false, nil, 10000, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var svc *NotificationService
			if tt.withRepo {
				svc = NewNotificationService(NewMockNotificationRepository(), 10, testLogger())
			} else {
				svc = NewNotificationService(nil, 10, testLogger())
			}
			ctx := context.Background()
			for _, typ := range []string{
				models.NotificationTypeLiquidationFailed,
				models.NotificationTypeBounds,
				models.NotificationTypeLiquidationFailed,
				models.NotificationTypeConnection,
			} {
				_ = svc.CreateNotification(ctx, notif(typ))
			}

			got, err := svc.GetNotifications(ctx, tt.types, tt.limit)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestNotificationService_GetNotificationsBySeverity(t *testing.T) {
	tests := []struct {
		name     string
		withRepo bool
		severity string
		limit    int
		wantLen  int
		wantErr  error
	}{
		{"ошибки из журнала", true, "error", 10, 2, nil},
		{"регистр и пробелы", true, " WARN ", 10, 1, nil},
		{"лимит", true, "error", 1, 1, nil},
		{"ошибки из памяти", false, models.SeverityError, 0, 2, nil},
		{"info из памяти", false, models.SeverityInfo, 10, 1, nil},
		{"неизвестный уровень", true, "critical", 10, 0, ErrInvalidSeverity},
		{"пустой уровень", false, "", 10, 0, ErrInvalidSeverity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var svc *NotificationService
			if tt.withRepo {
				svc = NewNotificationService(NewMockNotificationRepository(), 10, testLogger())
			} else {
				svc = NewNotificationService(nil, 10, testLogger())
			}
			ctx := context.Background()
			for _, sev := range []string{models.SeverityError, models.SeverityInfo, models.SeverityWarn, models.SeverityError} {
				n := notif(models.NotificationTypeRiskTrigger)
				n.Severity = sev
				_ = svc.CreateNotification(ctx, n)
			}

			got, err := svc.GetNotificationsBySeverity(ctx, tt.severity, tt.limit)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
			for _, n := range got {
				if n.Severity != strings.ToLower(strings.TrimSpace(tt.severity)) {
					t.Errorf("severity = %s", n.Severity)
				}
			}
		})
	}
}

func TestNotificationService_GetNotification(t *testing.T) {
	for _, withRepo := range []bool{true, false} {
		var svc *NotificationService
		if withRepo {
			svc = NewNotificationService(NewMockNotificationRepository(), 10, testLogger())
		} else {
			svc = NewNotificationService(nil, 10, testLogger())
		}
		ctx := context.Background()
		first := notif(models.NotificationTypeBounds)
		_ = svc.CreateNotification(ctx, first)
		_ = svc.CreateNotification(ctx, notif(models.NotificationTypeConnection))

		got, err := svc.GetNotification(ctx, first.ID)
		if err != nil {
			t.Fatalf("repo=%v: unexpected error: %v", withRepo, err)
		}
		if got.Type != models.NotificationTypeBounds {
			t.Errorf("repo=%v: type = %s", withRepo, got.Type)
		}

		if _, err := svc.GetNotification(ctx, 424242); !errors.Is(err, models.ErrNotificationNotFound) {
			t.Errorf("repo=%v: expected ErrNotificationNotFound, got %v", withRepo, err)
		}
	}
}

func TestNotificationService_GetNotificationsRepoError(t *testing.T) {
	repo := NewMockNotificationRepository()
	repo.getErr = errors.New("query failed")
	svc := NewNotificationService(repo, 10, testLogger())

	if _, err := svc.GetNotifications(context.Background(), nil, 10); err == nil {
		t.Error("expected error")
	}
}

func TestNotificationService_ClearNotifications(t *testing.T) {
	t.Run("успешная очистка", func(t *testing.T) {
		repo := NewMockNotificationRepository()
		svc := NewNotificationService(repo, 10, testLogger())
		ctx := context.Background()
		_ = svc.CreateNotification(ctx, notif(models.NotificationTypeBounds))

		if err := svc.ClearNotifications(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(repo.notifications) != 0 {
			t.Errorf("journal not cleared: %d", len(repo.notifications))
		}
		if len(svc.recentFromMemory(nil, 10)) != 0 {
			t.Error("memory not cleared")
		}
	})

	t.Run("ошибка журнала", func(t *testing.T) {
		repo := NewMockNotificationRepository()
		repo.deleteErr = errors.New("delete failed")
		svc := NewNotificationService(repo, 10, testLogger())
		_ = svc.CreateNotification(context.Background(), notif(models.NotificationTypeBounds))

		if err := svc.ClearNotifications(context.Background()); err == nil {
			t.Error("expected error")
		}
		if len(svc.recentFromMemory(nil, 10)) != 1 {
			t.Error("memory must survive failed clear")
		}
	})
}

func TestNotificationService_CleanupOld(t *testing.T) {
	t.Run("журнал", func(t *testing.T) {
		repo := NewMockNotificationRepository()
		svc := NewNotificationService(repo, 10, testLogger())
		for i := 0; i < 15; i++ {
			_ = svc.CreateNotification(context.Background(), notif(models.NotificationTypeConnection))
		}

		deleted, err := svc.CleanupOld(context.Background(), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if deleted != 5 {
			t.Errorf("deleted = %d, want 5", deleted)
		}
	})

	t.Run("память", func(t *testing.T) {
		svc := NewNotificationService(nil, 10, testLogger())
		for i := 0; i < 8; i++ {
			_ = svc.CreateNotification(context.Background(), notif(models.NotificationTypeConnection))
		}

		deleted, err := svc.CleanupOld(context.Background(), 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if deleted != 3 {
			t.Errorf("deleted = %d, want 3", deleted)
		}
		got := svc.recentFromMemory(nil, 10)
		if len(got) != 5 || got[0].ID != 8 {
			t.Errorf("after cleanup: len=%d newest=%d", len(got), got[0].ID)
		}
	})
}

func TestNotificationService_PeriodicJournalCleanup(t *testing.T) {
	repo := NewMockNotificationRepository()
	svc := NewNotificationService(repo, 10, testLogger())

	for i := 0; i < cleanupEvery; i++ {
		_ = svc.CreateNotification(context.Background(), notif(models.NotificationTypeConnection))
	}

	if len(repo.keepCalls) != 1 || repo.keepCalls[0] != 10 {
		t.Errorf("KeepRecent calls = %v, want [10]", repo.keepCalls)
	}
	if len(repo.notifications) != 10 {
		t.Errorf("journal size = %d, want 10", len(repo.notifications))
	}
}

func TestNotificationService_Run(t *testing.T) {
	repo := NewMockNotificationRepository()
	svc := NewNotificationService(repo, 10, testLogger())
	hub := &MockBroadcaster{}
	svc.SetWebSocketHub(hub)

	ch := make(chan *models.Notification, 4)
	ch <- notif(models.NotificationTypeRiskTrigger)
	ch <- notif(models.NotificationTypeLiquidation)
	close(ch)

	done := make(chan struct{})
	go func() {
		svc.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}

	if len(repo.notifications) != 2 {
		t.Errorf("persisted = %d, want 2", len(repo.notifications))
	}
	if hub.Count() != 2 {
		t.Errorf("broadcasts = %d, want 2", hub.Count())
	}
}

func TestNotificationService_RunStopsOnCancel(t *testing.T) {
	svc := NewNotificationService(nil, 10, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Run(ctx, make(chan *models.Notification))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
