package token

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sdko-org/delivery-gateway/internal/database"
	"github.com/sdko-org/delivery-gateway/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewService(logger, db), db
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	secret, created, err := svc.Create(ctx, "ci", models.TokenTypeLimited, "user-1", []string{"links.create"}, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(secret, "dg_") {
		t.Errorf("secret %q missing prefix", secret)
	}
	if created.SecretHash == secret {
		t.Error("plaintext secret must not be stored")
	}

	tok, err := svc.Authenticate(ctx, secret)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok.ID != created.ID {
		t.Errorf("authenticated token id = %d, want %d", tok.ID, created.ID)
	}
	if tok.UsageCount != 1 {
		t.Errorf("usage count = %d after one use, want 1", tok.UsageCount)
	}
}

func TestAuthenticateUnknownSecret(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Authenticate(context.Background(), "dg_nope"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	secret, _, err := svc.Create(ctx, "expired", models.TokenTypeLimited, "", nil, &past, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Authenticate(ctx, secret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateUsageCap(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	limit := int64(2)
	secret, _, err := svc.Create(ctx, "capped", models.TokenTypeLimited, "", nil, nil, &limit)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Authenticate(ctx, secret); err != nil {
			t.Fatalf("use %d: %v", i+1, err)
		}
	}
	if _, err := svc.Authenticate(ctx, secret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v past cap, want ErrInvalidToken", err)
	}
}

func TestDeactivate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	secret, created, err := svc.Create(ctx, "retire", models.TokenTypeUser, "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Deactivate(ctx, created.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := svc.Authenticate(ctx, secret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v for deactivated token, want ErrInvalidToken", err)
	}
}

func TestPurgeRemovesOnlyInactive(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, active, err := svc.Create(ctx, "keep", models.TokenTypeUser, "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, retired, err := svc.Create(ctx, "drop", models.TokenTypeUser, "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Deactivate(ctx, retired.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	removed, err := svc.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("purged %d, want 1", removed)
	}

	var count int64
	db.Model(&models.APIToken{}).Where("id = ?", active.ID).Count(&count)
	if count != 1 {
		t.Error("active token should survive purge")
	}
}

func TestHasPermission(t *testing.T) {
	admin := &models.APIToken{Type: models.TokenTypeAdmin}
	if !HasPermission(admin, "anything.at.all") {
		t.Error("admin token should hold every permission")
	}

	limited := &models.APIToken{Type: models.TokenTypeLimited, Permissions: "links.create, links.read"}
	if !HasPermission(limited, "links.create") {
		t.Error("expected links.create")
	}
	if !HasPermission(limited, "links.read") {
		t.Error("expected links.read despite surrounding space")
	}
	if HasPermission(limited, "admin") {
		t.Error("limited token must not hold admin")
	}
}
