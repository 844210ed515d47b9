package link

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sdko-org/delivery-gateway/internal/database"
	"github.com/sdko-org/delivery-gateway/internal/models"
	"github.com/sdko-org/delivery-gateway/internal/origin"
	"github.com/sdko-org/delivery-gateway/internal/policy"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeOrigin struct {
	files map[string]int64
}

func (f *fakeOrigin) GetFileMeta(ctx context.Context, fileID string) (*origin.FileMeta, error) {
	size, ok := f.files[fileID]
	if !ok {
		return nil, origin.ErrFileNotFound
	}
	return &origin.FileMeta{
		FileID:      fileID,
		Name:        fileID + ".bin",
		Size:        size,
		ContentType: "application/octet-stream",
		OriginRef:   fileID,
	}, nil
}

func (f *fakeOrigin) OpenChunkStream(ctx context.Context, originRef string) (io.ReadCloser, error) {
	return nil, origin.ErrFileNotFound
}

type testEnv struct {
	svc    *Service
	policy *policy.Engine
	db     *gorm.DB
	token  *models.APIToken
}

func newTestEnv(t *testing.T) *testEnv {
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

	policyEngine := policy.NewEngine(logger, db, time.Minute)
	if err := policyEngine.SeedDefaults(context.Background()); err != nil {
		t.Fatalf("failed to seed defaults: %v", err)
	}

	store := &fakeOrigin{files: map[string]int64{"file-1": 1024}}
	tok := &models.APIToken{Name: "test", Type: models.TokenTypeLimited, Active: true, CreatedAt: time.Now().UTC()}
	if err := db.Create(tok).Error; err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}

	return &testEnv{
		svc:    NewService(logger, db, store, policyEngine, "https://dl.example.com/"),
		policy: policyEngine,
		db:     db,
		token:  tok,
	}
}

func TestCreateLinkDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, url, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if len(dl.ShortCode) != 10 {
		t.Errorf("short code %q length = %d, want 10", dl.ShortCode, len(dl.ShortCode))
	}
	if url != "https://dl.example.com/stream/"+dl.ShortCode {
		t.Errorf("download url = %q", url)
	}
	if dl.ExpiresAt == nil {
		t.Fatal("expected default expiry to be applied")
	}
	remaining := time.Until(*dl.ExpiresAt)
	if remaining < 167*time.Hour || remaining > 169*time.Hour {
		t.Errorf("default expiry %v from now, want about 168h", remaining)
	}
	if dl.MaxDownloads != nil {
		t.Errorf("max downloads = %v, want nil with default cap 0", *dl.MaxDownloads)
	}
}

func TestCreateLinkCachedModeURL(t *testing.T) {
	env := newTestEnv(t)

	dl, url, err := env.svc.CreateLink(context.Background(), "file-1", models.ModeCached, env.token, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if url != "https://dl.example.com/fast/"+dl.ShortCode {
		t.Errorf("download url = %q", url)
	}
}

func TestCreateLinkInvalidMode(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.svc.CreateLink(context.Background(), "file-1", "teleport", env.token, CreateOptions{}); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("got %v, want ErrInvalidMode", err)
	}
}

func TestCreateLinkMissingFile(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.svc.CreateLink(context.Background(), "no-such-file", models.ModeStream, env.token, CreateOptions{}); !errors.Is(err, origin.ErrFileNotFound) {
		t.Errorf("got %v, want ErrFileNotFound", err)
	}
}

func TestValidateAccessHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	got, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "192.0.2.1", "")
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if got.ShortCode != dl.ShortCode {
		t.Errorf("validated code = %q, want %q", got.ShortCode, dl.ShortCode)
	}
}

func TestValidateAccessUnknownCode(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.svc.ValidateAccess(context.Background(), "zzzzzzzzzz", "192.0.2.1", ""); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("got %v, want ErrLinkNotFound", err)
	}
}

func TestValidateAccessInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if err := env.svc.Deactivate(ctx, dl.ShortCode, env.token.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "192.0.2.1", ""); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("got %v for deactivated link, want ErrLinkNotFound", err)
	}
}

func TestValidateAccessExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	if err := env.svc.Update(ctx, dl.ShortCode, env.token.ID, Patch{ExpiresAt: &past}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "192.0.2.1", ""); !errors.Is(err, ErrLinkExpired) {
		t.Errorf("got %v, want ErrLinkExpired", err)
	}
}

func TestValidateAccessLimitReached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	one := 1

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{MaxDownloads: &one})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if err := env.db.Model(&models.DownloadLink{}).Where("short_code = ?", dl.ShortCode).Update("download_count", 1).Error; err != nil {
		t.Fatalf("failed to bump counter: %v", err)
	}

	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "192.0.2.1", ""); !errors.Is(err, ErrLimitReached) {
		t.Errorf("got %v, want ErrLimitReached", err)
	}
}

func TestValidateAccessPerLinkAllowList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{
		AllowedIPs: []string{"203.0.113.0/24"},
	})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "203.0.113.9", ""); err != nil {
		t.Errorf("listed IP rejected: %v", err)
	}
	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "198.51.100.1", ""); !errors.Is(err, ErrIPDenied) {
		t.Errorf("got %v for unlisted IP, want ErrIPDenied", err)
	}
}

func TestValidateAccessGlobalBlacklist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if err := env.policy.AddIPEntry(ctx, models.ListBlacklist, "10.0.0.5", "abuse"); err != nil {
		t.Fatalf("AddIPEntry: %v", err)
	}

	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "10.0.0.5", ""); !errors.Is(err, ErrIPDenied) {
		t.Errorf("got %v, want ErrIPDenied", err)
	}

	var alerts int64
	env.db.Model(&models.SecurityAlert{}).Where("kind = ?", "ip_denied").Count(&alerts)
	if alerts != 1 {
		t.Errorf("ip_denied alerts = %d, want 1", alerts)
	}
}

func TestValidateAccessPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{Password: "s3cret"})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "192.0.2.1", ""); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("got %v with no password, want ErrPasswordRequired", err)
	}
	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "192.0.2.1", "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("got %v with wrong password, want ErrInvalidPassword", err)
	}
	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "192.0.2.1", "s3cret"); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
}

func TestValidateAccessOrderExpiryBeforePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{Password: "s3cret"})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	if err := env.svc.Update(ctx, dl.ShortCode, env.token.ID, Patch{ExpiresAt: &past}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// An expired link reports expiry, not the password problem.
	if _, err := env.svc.ValidateAccess(ctx, dl.ShortCode, "192.0.2.1", "wrong"); !errors.Is(err, ErrLinkExpired) {
		t.Errorf("got %v, want ErrLinkExpired", err)
	}
}

func TestGetInfoHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{Password: "s3cret"})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	info, err := env.svc.GetInfo(ctx, dl.ShortCode)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if !info.PasswordProtected {
		t.Error("info should report password protection")
	}
	if info.FileName != "file-1.bin" || info.FileSize != 1024 {
		t.Errorf("info file = %q/%d", info.FileName, info.FileSize)
	}

	var fresh models.DownloadLink
	if err := env.db.Where("short_code = ?", dl.ShortCode).First(&fresh).Error; err != nil {
		t.Fatalf("failed to reload link: %v", err)
	}
	if fresh.DownloadCount != 0 {
		t.Errorf("GetInfo changed download count to %d", fresh.DownloadCount)
	}
}

func TestUpdateRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	otherToken := env.token.ID + 1
	if err := env.svc.Deactivate(ctx, dl.ShortCode, otherToken); !errors.Is(err, ErrNotOwner) {
		t.Errorf("got %v for foreign token, want ErrNotOwner", err)
	}
}

func TestShortCodesUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		dl, _, err := env.svc.CreateLink(ctx, "file-1", models.ModeStream, env.token, CreateOptions{})
		if err != nil {
			t.Fatalf("CreateLink %d: %v", i, err)
		}
		if seen[dl.ShortCode] {
			t.Fatalf("duplicate short code %q", dl.ShortCode)
		}
		seen[dl.ShortCode] = true
	}
}
