package handlers

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/middleware"
	"github.com/keyfort/backend/internal/models"
	"github.com/keyfort/backend/internal/secondfactor"
	"github.com/keyfort/backend/internal/services"
	"github.com/keyfort/backend/pkg/logger"
	"github.com/keyfort/backend/pkg/utils"
)

type MFAHandler struct {
	DB         *gorm.DB
	Dispatcher *secondfactor.Dispatcher
	Tokens     *services.MFATokenService
	Audit      *services.AuditService
}

func NewMFAHandler(db *gorm.DB, dispatcher *secondfactor.Dispatcher, tokens *services.MFATokenService, audit *services.AuditService) *MFAHandler {
	return &MFAHandler{DB: db, Dispatcher: dispatcher, Tokens: tokens, Audit: audit}
}

func (h *MFAHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	totpDevices, _ := h.Dispatcher.TOTP.ListDevices(user.ID)
	backupRemaining, _ := h.Dispatcher.Backup.Count(user.ID)

	var credCount int64
	h.DB.Model(&models.WebAuthnCredential{}).Where("user_id = ?", user.ID).Count(&credCount)

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"mfaEnabled":               h.Dispatcher.HasAnyFactor(user.ID),
		"totpDeviceCount":          len(totpDevices),
		"webauthnCredentialsCount": credCount,
		"backupCodesRemaining":     backupRemaining,
	})
}

type factorsRequest struct {
	MFAToken string `json:"mfaToken"`
}

// Factors lists which verification forms a partially-authenticated user
// can be challenged with.
func (h *MFAHandler) Factors(c *fiber.Ctx) error {
	var req factorsRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	if h.Tokens.IsConsumed(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"methods": h.Dispatcher.AvailableFactors(claims.UserID),
	})
}

type verifyRequest struct {
	MFAToken string          `json:"mfaToken"`
	Method   string          `json:"method"`
	Code     string          `json:"code"`
	Response json.RawMessage `json:"response"`
}

// Verify is the single second-factor verification endpoint: it routes
// the submitted proof through the dispatcher and, on acceptance,
// promotes the partially-authenticated session to a full one. The MFA
// token is consumed before the verifier runs so a request that loses
// the single-use race never burns its proof; a rejected proof releases
// the token for another try.
func (h *MFAHandler) Verify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.MFAToken == "" || req.Method == "" {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken and method are required")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	kind, ok := secondfactor.ParseFactorKind(req.Method)
	if !ok {
		return utils.Error(c, fiber.StatusBadRequest, "unknown verification method")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	if !h.Tokens.TryConsume(claims.JTI, claims.ExpiresAt.Time) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	proof := secondfactor.Proof{Code: req.Code, Assertion: req.Response}
	if err := h.Dispatcher.Verify(&user, kind, proof, time.Now()); err != nil {
		h.Tokens.Release(claims.JTI)
		logger.Info("mfa_verification_rejected", map[string]interface{}{
			"user_id": user.ID.String(),
			"method":  string(kind),
		})
		return respondSecondFactorError(c, err)
	}

	token, err := utils.GenerateToken(&user)
	if err != nil {
		h.Tokens.Release(claims.JTI)
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	logger.Info("mfa_verified", map[string]interface{}{
		"user_id": user.ID.String(),
		"method":  string(kind),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.mfa_login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Details: map[string]interface{}{
			"method": string(kind),
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": user})
}
