package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/middleware"
	"github.com/keyfort/backend/internal/secondfactor"
	"github.com/keyfort/backend/internal/services"
	"github.com/keyfort/backend/pkg/logger"
	"github.com/keyfort/backend/pkg/utils"
)

type TOTPHandler struct {
	TOTP  *secondfactor.TOTPService
	Audit *services.AuditService
}

func NewTOTPHandler(totp *secondfactor.TOTPService, audit *services.AuditService) *TOTPHandler {
	return &TOTPHandler{TOTP: totp, Audit: audit}
}

type totpSetupRequest struct {
	Name string `json:"name"`
}

// Setup starts enrollment: it returns a fresh secret and provisioning
// URI but does not create a device until the user confirms with a valid
// token.
func (h *TOTPHandler) Setup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req totpSetupRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	secret, otpauthURL, err := h.TOTP.BeginEnrollment(user.ID, user.Email, req.Name)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to start TOTP setup")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"secret": secret,
		"qrUri":  otpauthURL,
	})
}

type totpConfirmRequest struct {
	Code string `json:"code"`
}

func (h *TOTPHandler) ConfirmSetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req totpConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Code == "" {
		return utils.FieldError(c, "code", "code is required")
	}

	device, err := h.TOTP.ConfirmEnrollment(user.ID, req.Code, time.Now())
	if err != nil {
		var rejected *secondfactor.RejectedError
		if errors.As(err, &rejected) {
			return utils.Error(c, fiber.StatusBadRequest, "invalid TOTP code")
		}
		return respondSecondFactorError(c, err)
	}

	logger.Info("totp_device_enrolled", map[string]interface{}{
		"user_id":   user.ID.String(),
		"device_id": device.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.totp_enrolled",
		ResourceType: "totp_device",
		ResourceID:   &device.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, device)
}

func (h *TOTPHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	devices, err := h.TOTP.ListDevices(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list devices")
	}
	return utils.Success(c, fiber.StatusOK, devices)
}

func (h *TOTPHandler) Delete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	deviceID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid device ID")
	}

	if err := h.TOTP.DeleteDevice(user.ID, deviceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "device not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete device")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.totp_removed",
		ResourceType: "totp_device",
		ResourceID:   &deviceID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "device removed"})
}
