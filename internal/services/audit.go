package services

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/models"
	"github.com/keyfort/backend/pkg/logger"
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

// AuditService writes append-only audit rows off the request path.
type AuditService struct {
	DB    *gorm.DB
	queue chan models.AuditLog
}

func NewAuditService(db *gorm.DB) *AuditService {
	s := &AuditService{
		DB:    db,
		queue: make(chan models.AuditLog, 1000),
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
	}

	select {
	case s.queue <- row:
	default:
		// Audit must never block a request; dropping is logged so the
		// operator can size the queue.
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action": entry.Action,
		})
	}
}

func (s *AuditService) processQueue() {
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_write_failed", map[string]interface{}{
				"action": row.Action,
				"error":  err.Error(),
			})
		}
	}
}
