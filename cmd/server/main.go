package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/keyfort/backend/internal/config"
	"github.com/keyfort/backend/internal/database"
	"github.com/keyfort/backend/internal/handlers"
	"github.com/keyfort/backend/internal/middleware"
	"github.com/keyfort/backend/internal/secondfactor"
	"github.com/keyfort/backend/internal/services"
	"github.com/keyfort/backend/pkg/logger"
	"github.com/keyfort/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RelyingParty.Name,
		RPID:          cfg.RelyingParty.ID,
		RPOrigins:     cfg.RelyingParty.Origins,
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	totpService := secondfactor.NewTOTPService(db, cfg.RelyingParty.Name, cfg.MFA.PendingTOTPTTL)
	backupService := secondfactor.NewBackupCodeService(db)
	webAuthnService := secondfactor.NewWebAuthnService(db, secondfactor.NewLibraryVerifier(wa), cfg.MFA.ChallengeTTL)
	dispatcher := secondfactor.NewDispatcher(totpService, backupService, webAuthnService)

	auditService := services.NewAuditService(db)
	tokenService := services.NewMFATokenService(db)

	authHandler := handlers.NewAuthHandler(db, dispatcher, auditService)
	mfaHandler := handlers.NewMFAHandler(db, dispatcher, tokenService, auditService)
	totpHandler := handlers.NewTOTPHandler(totpService, auditService)
	webAuthnHandler := handlers.NewWebAuthnHandler(db, webAuthnService, tokenService, auditService)
	backupHandler := handlers.NewBackupCodesHandler(backupService, cfg.MFA.BackupCodeCount, auditService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	startHousekeeping(totpService, webAuthnService, tokenService)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

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

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
		"rp_id":   cfg.RelyingParty.ID,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}

// startHousekeeping sweeps expired enrollment, ceremony and token
// state so abandoned flows do not accumulate.
func startHousekeeping(totp *secondfactor.TOTPService, wa *secondfactor.WebAuthnService, tokens *services.MFATokenService) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			now := time.Now()
			totp.CleanupExpiredPending(now)
			wa.CleanupExpiredChallenges(now)
			tokens.CleanupExpired(now)
		}
	}()
}
