package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/keyfort/backend/internal/middleware"
	"github.com/keyfort/backend/internal/secondfactor"
	"github.com/keyfort/backend/internal/services"
	"github.com/keyfort/backend/pkg/logger"
	"github.com/keyfort/backend/pkg/utils"
)

type BackupCodesHandler struct {
	Backup    *secondfactor.BackupCodeService
	BatchSize int
	Audit     *services.AuditService
}

func NewBackupCodesHandler(backup *secondfactor.BackupCodeService, batchSize int, audit *services.AuditService) *BackupCodesHandler {
	if batchSize <= 0 {
		batchSize = secondfactor.DefaultBackupBatch
	}
	return &BackupCodesHandler{Backup: backup, BatchSize: batchSize, Audit: audit}
}

func (h *BackupCodesHandler) Count(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	count, err := h.Backup.Count(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to count backup codes")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"remaining": count})
}

// Regenerate replaces the user's batch with a fresh one. The plaintext
// codes appear only in this response.
func (h *BackupCodesHandler) Regenerate(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	codes, err := h.Backup.Regenerate(user.ID, h.BatchSize)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate backup codes")
	}

	logger.Info("backup_codes_regenerated", map[string]interface{}{
		"user_id": user.ID.String(),
		"count":   len(codes),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.backup_codes_regenerated",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"backupCodes": codes})
}
