package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/keyfort/backend/internal/middleware"
	"github.com/keyfort/backend/internal/models"
	"github.com/keyfort/backend/internal/secondfactor"
	"github.com/keyfort/backend/internal/services"
	"github.com/keyfort/backend/pkg/logger"
	"github.com/keyfort/backend/pkg/utils"
)

type testEnv struct {
	app *fiber.App
	db  *gorm.DB
}

var testSetupOnce sync.Once

// stubVerifier satisfies the ceremony boundary for routes that never
// exercise real WebAuthn cryptography in these tests.
type stubVerifier struct{}

func (stubVerifier) BeginRegistration(user webauthn.User) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: "stub-challenge", UserID: user.WebAuthnID()}, nil
}

func (stubVerifier) FinishRegistration(user webauthn.User, session webauthn.SessionData, response []byte) (*webauthn.Credential, error) {
	return &webauthn.Credential{ID: []byte("stub-cred"), PublicKey: []byte("stub-pk")}, nil
}

func (stubVerifier) BeginLogin(user webauthn.User) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: "stub-challenge", UserID: user.WebAuthnID()}, nil
}

func (stubVerifier) FinishLogin(user webauthn.User, session webauthn.SessionData, response []byte) (*webauthn.Credential, error) {
	return &webauthn.Credential{ID: []byte("stub-cred"), Authenticator: webauthn.Authenticator{SignCount: 1}}, nil
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
		utils.ConfigureEncryption("test-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.TOTPDevice{},
		&models.PendingTOTP{},
		&models.BackupCode{},
		&models.WebAuthnCredential{},
		&models.MFAChallenge{},
		&models.ConsumedMFAToken{},
		&models.AuditLog{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	totpService := secondfactor.NewTOTPService(db, "Keyfort", 10*time.Minute)
	backupService := secondfactor.NewBackupCodeService(db)
	webAuthnService := secondfactor.NewWebAuthnService(db, stubVerifier{}, 5*time.Minute)
	dispatcher := secondfactor.NewDispatcher(totpService, backupService, webAuthnService)
	auditService := services.NewAuditService(db)
	tokenService := services.NewMFATokenService(db)

	authHandler := NewAuthHandler(db, dispatcher, auditService)
	mfaHandler := NewMFAHandler(db, dispatcher, tokenService, auditService)
	totpHandler := NewTOTPHandler(totpService, auditService)
	webAuthnHandler := NewWebAuthnHandler(db, webAuthnService, tokenService, auditService)
	backupHandler := NewBackupCodesHandler(backupService, secondfactor.DefaultBackupBatch, auditService)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)

	mfaRoutes := api.Group("/auth/mfa")
	mfaRoutes.Post("/factors", mfaHandler.Factors)
	mfaRoutes.Post("/verify", mfaHandler.Verify)
	mfaRoutes.Get("/status", authMiddleware.RequireAuth, mfaHandler.Status)

	totpRoutes := api.Group("/auth/mfa/totp", authMiddleware.RequireAuth)
	totpRoutes.Post("/setup", totpHandler.Setup)
	totpRoutes.Post("/confirm", totpHandler.ConfirmSetup)
	totpRoutes.Get("/devices", totpHandler.List)
	totpRoutes.Delete("/devices/:id", totpHandler.Delete)

	webauthnRoutes := api.Group("/auth/mfa/webauthn")
	webauthnRoutes.Post("/register/begin", authMiddleware.RequireAuth, webAuthnHandler.RegisterBegin)
	webauthnRoutes.Post("/register/finish", authMiddleware.RequireAuth, webAuthnHandler.RegisterFinish)
	webauthnRoutes.Post("/verify/begin", webAuthnHandler.VerifyBegin)
	webauthnRoutes.Get("/credentials", authMiddleware.RequireAuth, webAuthnHandler.List)
	webauthnRoutes.Put("/credentials/:id", authMiddleware.RequireAuth, webAuthnHandler.Rename)
	webauthnRoutes.Delete("/credentials/:id", authMiddleware.RequireAuth, webAuthnHandler.Delete)

	backupRoutes := api.Group("/auth/mfa/backup-codes", authMiddleware.RequireAuth)
	backupRoutes.Get("/", backupHandler.Count)
	backupRoutes.Post("/regenerate", backupHandler.Regenerate)

	return &testEnv{app: app, db: db}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
