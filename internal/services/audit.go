package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/authbase/backend/internal/models"
	"github.com/authbase/backend/internal/storage"
	"github.com/authbase/backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuditEntry struct {
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Details      map[string]interface{}
	IPAddress    string
	RequestID    string
}

type AuditService struct {
	DB      *gorm.DB
	Storage *storage.MinIOClient
	queue   chan models.AuditLog
}

func NewAuditService(db *gorm.DB, storageClient *storage.MinIOClient) *AuditService {
	s := &AuditService{
		DB:      db,
		Storage: storageClient,
		queue:   make(chan models.AuditLog, 1000),
	}
	go s.processQueue()
	return s
}

func (s *AuditService) LogAsync(entry AuditEntry) {
	row := models.AuditLog{
		UserID:       entry.UserID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      entry.Details,
		IPAddress:    entry.IPAddress,
		RequestID:    entry.RequestID,
		CreatedAt:    time.Now().UTC(),
	}

	select {
	case s.queue <- row:
	default:
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action":  entry.Action,
			"dropped": true,
		})
	}
}

func (s *AuditService) processQueue() {
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_log_insert_failed", err, map[string]interface{}{
				"action": row.Action,
			})
			continue
		}
		s.generateActivity(row)
	}
}

// generateActivity turns security-relevant audit rows into a per-user
// activity feed entry ("You signed in", "Two-factor authentication was
// enabled").
func (s *AuditService) generateActivity(log models.AuditLog) {
	if log.UserID == nil {
		return
	}

	var message string

	switch log.Action {
	case "user.register":
		message = "Welcome to Authbase"
	case "user.email_confirmed":
		message = "You confirmed your email address"
	case "user.login":
		message = "You signed in"
	case "user.login_2fa_pending":
		message = "A sign-in is waiting for your second factor"
	case "user.mfa_login":
		if detailString(log.Details, "method") == "backup_code" {
			message = "You signed in with a backup code"
		} else {
			message = "You signed in with two-factor authentication"
		}
	case "user.password_change":
		message = "You changed your password"
	case "user.password_reset":
		message = "Your password was reset and all sessions were signed out"
	case "user.profile_update":
		message = "You updated your profile"
	case "user.logout":
		message = "You signed out"
	case "two_factor.enrollment_started":
		message = "You started two-factor enrollment"
	case "two_factor.enabled":
		message = "Two-factor authentication was enabled"
	case "two_factor.disabled":
		message = "Two-factor authentication was disabled"
	case "two_factor.backup_regenerated":
		message = "Your backup codes were regenerated"
	case "session.revoke":
		message = "You signed out a session"
	case "session.revoke_all":
		message = "You signed out all sessions"
	case "session.reuse_detected":
		message = "A revoked session token was presented and all sessions were signed out"
	case "admin.user_update":
		message = "Your account was updated by an administrator"
	case "admin.user_delete":
		message = "An account was deactivated"
	case "admin.role_grant":
		message = fmt.Sprintf("You were granted the %q role", detailString(log.Details, "role"))
	case "admin.role_revoke":
		message = fmt.Sprintf("The %q role was revoked from you", detailString(log.Details, "role"))
	default:
		return
	}

	actorID := *log.UserID
	targetID := actorID
	// Admin actions land in the affected user's feed, attributed to the admin.
	if raw := detailString(log.Details, "target_user_id"); raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			targetID = parsed
		}
	}

	activity := models.Activity{
		UserID:       targetID,
		ActorID:      actorID,
		Action:       log.Action,
		ResourceType: "user",
		ResourceID:   log.ResourceID,
		ResourceName: "Account",
		Message:      message,
	}

	if err := s.DB.Create(&activity).Error; err != nil {
		logger.Error("activity_insert_failed", err, map[string]interface{}{
			"action": log.Action,
		})
	}
}

// StartExporter runs a background goroutine that periodically exports
// new audit log rows to S3/MinIO as NDJSON files.
func (s *AuditService) StartExporter(interval time.Duration) {
	if s.Storage == nil {
		logger.Info("audit_exporter_disabled", map[string]interface{}{
			"reason": "no storage client configured",
		})
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			s.exportToS3()
		}
	}()

	logger.Info("audit_exporter_started", map[string]interface{}{
		"interval": interval.String(),
	})
}

func (s *AuditService) exportToS3() {
	var cursor models.AuditExportCursor
	err := s.DB.First(&cursor).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			cursor = models.AuditExportCursor{
				LastExportAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			if createErr := s.DB.Create(&cursor).Error; createErr != nil {
				logger.Error("audit_export_cursor_create_failed", createErr, nil)
				return
			}
		} else {
			logger.Error("audit_export_cursor_load_failed", err, nil)
			return
		}
	}

	var logs []models.AuditLog
	if err := s.DB.Where("created_at > ?", cursor.LastExportAt).
		Order("created_at ASC").
		Limit(10000).
		Find(&logs).Error; err != nil {
		logger.Error("audit_export_query_failed", err, nil)
		return
	}

	if len(logs) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, log := range logs {
		if err := enc.Encode(log); err != nil {
			logger.Error("audit_export_encode_failed", err, map[string]interface{}{
				"log_id": log.ID.String(),
			})
			continue
		}
	}

	now := time.Now().UTC()
	objectName := fmt.Sprintf("audit-logs/%s/%s.ndjson",
		now.Format("2006/01/02"),
		now.Format("15-04-05"),
	)

	if err := s.Storage.Upload(
		context.Background(),
		objectName,
		&buf,
		int64(buf.Len()),
		"application/x-ndjson",
	); err != nil {
		logger.Error("audit_export_upload_failed", err, map[string]interface{}{
			"object_name": objectName,
			"count":       len(logs),
		})
		return
	}

	lastCreatedAt := logs[len(logs)-1].CreatedAt
	s.DB.Model(&cursor).Updates(map[string]interface{}{
		"last_export_at": lastCreatedAt,
		"exported_count": gorm.Expr("exported_count + ?", len(logs)),
	})

	logger.Info("audit_export_success", map[string]interface{}{
		"object_name": objectName,
		"count":       len(logs),
	})
}

func detailString(details map[string]interface{}, key string) string {
	if details == nil {
		return ""
	}
	v, ok := details[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return s
}
