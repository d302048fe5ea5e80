package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/keyfort/backend/internal/secondfactor"
	"github.com/keyfort/backend/pkg/utils"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	return c.Get("X-Request-ID")
}

// respondSecondFactorError maps the verification error taxonomy onto the
// HTTP surface. Validation problems name the offending field; rejected
// proofs are plain 401s; a duplicate credential gets its own status so
// the client can explain it.
func respondSecondFactorError(c *fiber.Ctx, err error) error {
	var validation *secondfactor.ValidationError
	if errors.As(err, &validation) {
		return utils.FieldError(c, validation.Field, validation.Message)
	}

	var rejected *secondfactor.RejectedError
	if errors.As(err, &rejected) {
		return utils.Error(c, fiber.StatusUnauthorized, rejected.Reason)
	}

	var duplicate *secondfactor.DuplicateCredentialError
	if errors.As(err, &duplicate) {
		return utils.Error(c, fiber.StatusConflict, duplicate.Error())
	}

	switch {
	case errors.Is(err, secondfactor.ErrChallengeNotFound):
		return utils.Error(c, fiber.StatusBadRequest, "no pending challenge; restart the ceremony")
	case errors.Is(err, secondfactor.ErrNoPendingEnrollment):
		return utils.Error(c, fiber.StatusBadRequest, "TOTP setup not started or expired")
	case errors.Is(err, secondfactor.ErrUnknownCredential):
		return utils.Error(c, fiber.StatusUnauthorized, "unknown credential")
	case errors.Is(err, secondfactor.ErrFactorNotEnrolled):
		return utils.Error(c, fiber.StatusBadRequest, "factor not enrolled for this account")
	default:
		return utils.Error(c, fiber.StatusInternalServerError, "verification failed")
	}
}
