package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/middleware"
	"github.com/keyfort/backend/internal/models"
	"github.com/keyfort/backend/internal/secondfactor"
	"github.com/keyfort/backend/internal/services"
	"github.com/keyfort/backend/pkg/logger"
	"github.com/keyfort/backend/pkg/utils"
)

type WebAuthnHandler struct {
	DB       *gorm.DB
	WebAuthn *secondfactor.WebAuthnService
	Tokens   *services.MFATokenService
	Audit    *services.AuditService
}

func NewWebAuthnHandler(db *gorm.DB, webAuthn *secondfactor.WebAuthnService, tokens *services.MFATokenService, audit *services.AuditService) *WebAuthnHandler {
	return &WebAuthnHandler{DB: db, WebAuthn: webAuthn, Tokens: tokens, Audit: audit}
}

type registerBeginRequest struct {
	Name string `json:"name"`
}

func (h *WebAuthnHandler) RegisterBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerBeginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	options, err := h.WebAuthn.BeginRegistration(user, req.Name)
	if err != nil {
		return respondSecondFactorError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type registerFinishRequest struct {
	Response json.RawMessage `json:"response"`
}

func (h *WebAuthnHandler) RegisterFinish(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	credential, err := h.WebAuthn.FinishRegistration(user, req.Response)
	if err != nil {
		return respondSecondFactorError(c, err)
	}

	logger.Info("webauthn_credential_registered", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": credential.ID.String(),
		"name":          credential.Name,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.passkey_registered",
		ResourceType: "webauthn_credential",
		ResourceID:   &credential.ID,
		Details: map[string]interface{}{
			"name": credential.Name,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"credential": credential})
}

type verifyBeginRequest struct {
	MFAToken string `json:"mfaToken"`
}

// VerifyBegin issues assertion options for a partially-authenticated
// user. The resulting challenge is consumed by the dispatcher's verify
// endpoint.
func (h *WebAuthnHandler) VerifyBegin(c *fiber.Ctx) error {
	var req verifyBeginRequest
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

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	options, err := h.WebAuthn.BeginAssertion(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin authentication")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

func (h *WebAuthnHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	creds, err := h.WebAuthn.ListCredentials(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list credentials")
	}
	return utils.Success(c, fiber.StatusOK, creds)
}

type renameCredentialRequest struct {
	Name string `json:"name"`
}

func (h *WebAuthnHandler) Rename(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var req renameCredentialRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.WebAuthn.RenameCredential(user.ID, credID, req.Name); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "credential not found")
		}
		return respondSecondFactorError(c, err)
	}

	var cred models.WebAuthnCredential
	h.DB.First(&cred, "id = ?", credID)

	return utils.Success(c, fiber.StatusOK, cred)
}

func (h *WebAuthnHandler) Delete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	if err := h.WebAuthn.DeleteCredential(user.ID, credID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "credential not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete credential")
	}

	logger.Info("webauthn_credential_deleted", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": credID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.passkey_removed",
		ResourceType: "webauthn_credential",
		ResourceID:   &credID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "credential removed"})
}
