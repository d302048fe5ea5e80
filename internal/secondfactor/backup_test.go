package secondfactor

import (
	"errors"
	"sync"
	"testing"

	"github.com/keyfort/backend/internal/models"
)

func TestBackupCodeIssueBatch(t *testing.T) {
	db := setupSecondFactorTestDB(t)
	svc := NewBackupCodeService(db)
	user := createFactorTestUser(t, db, "issue@test.com")

	codes, err := svc.IssueBatch(user.ID, DefaultBackupBatch)
	if err != nil {
		t.Fatalf("failed issuing batch: %v", err)
	}
	if len(codes) != DefaultBackupBatch {
		t.Fatalf("expected %d codes, got %d", DefaultBackupBatch, len(codes))
	}

	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		if len(code) != 6 {
			t.Errorf("expected 6-digit code, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Errorf("expected numeric code, got %q", code)
			}
		}
		if seen[code] {
			t.Errorf("duplicate code %q in batch", code)
		}
		seen[code] = true
	}

	count, err := svc.Count(user.ID)
	if err != nil {
		t.Fatalf("failed counting codes: %v", err)
	}
	if count != DefaultBackupBatch {
		t.Errorf("expected %d stored codes, got %d", DefaultBackupBatch, count)
	}
}

func TestBackupCodeConsume(t *testing.T) {
	db := setupSecondFactorTestDB(t)
	svc := NewBackupCodeService(db)
	user := createFactorTestUser(t, db, "consume@test.com")
	other := createFactorTestUser(t, db, "bystander@test.com")

	codes, err := svc.IssueBatch(user.ID, 5)
	if err != nil {
		t.Fatalf("failed issuing batch: %v", err)
	}

	t.Run("valid code consumed exactly once", func(t *testing.T) {
		if err := svc.Consume(user.ID, codes[0]); err != nil {
			t.Fatalf("expected first consume to succeed: %v", err)
		}

		err := svc.Consume(user.ID, codes[0])
		var rejected *RejectedError
		if !errors.As(err, &rejected) {
			t.Errorf("expected second consume to be rejected, got %v", err)
		}

		count, _ := svc.Count(user.ID)
		if count != 4 {
			t.Errorf("expected 4 remaining codes, got %d", count)
		}
	})

	t.Run("unknown code rejected", func(t *testing.T) {
		err := svc.Consume(user.ID, "999999")
		var rejected *RejectedError
		if !errors.As(err, &rejected) {
			t.Errorf("expected rejection for unknown code, got %v", err)
		}
	})

	t.Run("codes are scoped to their user", func(t *testing.T) {
		if err := svc.Consume(other.ID, codes[1]); err == nil {
			t.Error("expected another user's code to be rejected")
		}
		// The rightful owner can still use it.
		if err := svc.Consume(user.ID, codes[1]); err != nil {
			t.Errorf("expected owner's consume to succeed: %v", err)
		}
	})
}

func TestBackupCodeConsume_Concurrent(t *testing.T) {
	db := setupSecondFactorTestDB(t)
	svc := NewBackupCodeService(db)
	user := createFactorTestUser(t, db, "race@test.com")

	codes, err := svc.IssueBatch(user.ID, 1)
	if err != nil {
		t.Fatalf("failed issuing batch: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.Consume(user.ID, codes[0])
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for err := range results {
		if err == nil {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("expected exactly one winner for concurrent consumes, got %d", accepted)
	}
}

func TestBackupCodeRegenerate(t *testing.T) {
	db := setupSecondFactorTestDB(t)
	svc := NewBackupCodeService(db)
	user := createFactorTestUser(t, db, "regen@test.com")

	oldCodes, err := svc.IssueBatch(user.ID, 5)
	if err != nil {
		t.Fatalf("failed issuing batch: %v", err)
	}

	newCodes, err := svc.Regenerate(user.ID, DefaultBackupBatch)
	if err != nil {
		t.Fatalf("failed regenerating batch: %v", err)
	}
	if len(newCodes) != DefaultBackupBatch {
		t.Fatalf("expected %d new codes, got %d", DefaultBackupBatch, len(newCodes))
	}

	count, _ := svc.Count(user.ID)
	if count != DefaultBackupBatch {
		t.Errorf("expected only the new batch to remain, got %d codes", count)
	}

	newSet := make(map[string]bool, len(newCodes))
	for _, code := range newCodes {
		newSet[code] = true
	}
	for _, code := range oldCodes {
		if newSet[code] {
			continue
		}
		if err := svc.Consume(user.ID, code); err == nil {
			t.Errorf("expected replaced code %q to be rejected", code)
		}
	}
}

func TestBackupCodeHasCodes(t *testing.T) {
	db := setupSecondFactorTestDB(t)
	svc := NewBackupCodeService(db)
	user := createFactorTestUser(t, db, "has@test.com")

	if svc.HasCodes(user.ID) {
		t.Error("expected no codes before issuing")
	}

	if _, err := svc.IssueBatch(user.ID, 1); err != nil {
		t.Fatalf("failed issuing batch: %v", err)
	}
	if !svc.HasCodes(user.ID) {
		t.Error("expected HasCodes after issuing")
	}

	var code models.BackupCode
	if err := db.First(&code, "user_id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed loading code: %v", err)
	}
	if err := svc.Consume(user.ID, code.Code); err != nil {
		t.Fatalf("failed consuming last code: %v", err)
	}
	if svc.HasCodes(user.ID) {
		t.Error("expected no codes after consuming the last one")
	}
}
