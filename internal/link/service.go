package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sdko-org/delivery-gateway/internal/models"
	"github.com/sdko-org/delivery-gateway/internal/origin"
	"github.com/sdko-org/delivery-gateway/internal/policy"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Service creates share links and validates access to them. It never
// mutates link state during validation; usage accounting belongs to the
// session tracker, which only charges completed transfers.
type Service struct {
	db      *gorm.DB
	origin  origin.Store
	policy  *policy.Engine
	log     *logrus.Entry
	baseURL string
}

func NewService(logger *logrus.Logger, db *gorm.DB, originStore origin.Store, policyEngine *policy.Engine, baseURL string) *Service {
	return &Service{
		db:      db,
		origin:  originStore,
		policy:  policyEngine,
		log:     logger.WithField("component", "link_service"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// CreateOptions are the creator-supplied knobs; zero values defer to
// the global defaults from the policy engine.
type CreateOptions struct {
	MaxDownloads   *int
	ExpiresInHours *int
	Password       string
	AllowedIPs     []string
	BandwidthLimit int64
}

// CreateLink verifies the file exists upstream, mints a unique short
// code, and persists the link. Returns the link and its download URL.
func (s *Service) CreateLink(ctx context.Context, fileID, mode string, token *models.APIToken, opts CreateOptions) (*models.DownloadLink, string, error) {
	if mode != models.ModeStream && mode != models.ModeCached {
		return nil, "", ErrInvalidMode
	}

	if _, err := s.origin.GetFileMeta(ctx, fileID); err != nil {
		if errors.Is(err, origin.ErrFileNotFound) {
			return nil, "", origin.ErrFileNotFound
		}
		return nil, "", fmt.Errorf("origin metadata lookup failed: %w", err)
	}

	expiresAt, err := s.resolveExpiry(ctx, opts.ExpiresInHours)
	if err != nil {
		return nil, "", err
	}

	maxDownloads := opts.MaxDownloads
	if maxDownloads == nil {
		maxDownloads, err = s.policy.GetDefaultUsageCap(ctx)
		if err != nil {
			return nil, "", err
		}
	}

	var passwordHash string
	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash link password: %w", err)
		}
		passwordHash = string(hash)
	}

	code, err := s.uniqueShortCode(ctx)
	if err != nil {
		return nil, "", err
	}

	dl := models.DownloadLink{
		ShortCode:      code,
		FileID:         fileID,
		Mode:           mode,
		TokenID:        token.ID,
		MaxDownloads:   maxDownloads,
		ExpiresAt:      expiresAt,
		AllowedIPs:     strings.Join(opts.AllowedIPs, ","),
		PasswordHash:   passwordHash,
		BandwidthLimit: opts.BandwidthLimit,
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&dl).Error; err != nil {
		return nil, "", fmt.Errorf("failed to persist link: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"short_code": code,
		"file_id":    fileID,
		"mode":       mode,
	}).Info("Created download link")
	return &dl, s.DownloadURL(&dl), nil
}

func (s *Service) DownloadURL(dl *models.DownloadLink) string {
	if dl.Mode == models.ModeCached {
		return fmt.Sprintf("%s/fast/%s", s.baseURL, dl.ShortCode)
	}
	return fmt.Sprintf("%s/stream/%s", s.baseURL, dl.ShortCode)
}

func (s *Service) resolveExpiry(ctx context.Context, hours *int) (*time.Time, error) {
	if hours != nil {
		if *hours <= 0 {
			return nil, nil
		}
		t := time.Now().UTC().Add(time.Duration(*hours) * time.Hour)
		return &t, nil
	}
	def, err := s.policy.GetDefaultExpiry(ctx)
	if err != nil {
		return nil, err
	}
	if def <= 0 {
		return nil, nil
	}
	t := time.Now().UTC().Add(def)
	return &t, nil
}

func (s *Service) uniqueShortCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateShortCode()
		if err != nil {
			return "", err
		}
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.DownloadLink{}).
			Where("short_code = ?", code).
			Count(&count).Error; err != nil {
			return "", fmt.Errorf("short code collision check failed: %w", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to find a free short code")
}

// ValidateAccess runs the access checks in a single canonical order:
// existence/active, expiry, usage limit, IP policy, password. Each
// failed check short-circuits with its own reason. No state changes
// here; a download that never completes must not be charged.
func (s *Service) ValidateAccess(ctx context.Context, shortCode, clientIP, suppliedPassword string) (*models.DownloadLink, error) {
	dl, err := s.fetch(ctx, shortCode)
	if err != nil {
		return nil, err
	}
	if !dl.Active {
		return nil, ErrLinkNotFound
	}

	if dl.ExpiresAt != nil && time.Now().After(*dl.ExpiresAt) {
		return nil, ErrLinkExpired
	}

	if dl.MaxDownloads != nil && dl.DownloadCount >= *dl.MaxDownloads {
		return nil, ErrLimitReached
	}

	if err := s.checkIP(ctx, dl, clientIP); err != nil {
		return nil, err
	}

	if dl.PasswordHash != "" {
		if suppliedPassword == "" {
			return nil, ErrPasswordRequired
		}
		if bcrypt.CompareHashAndPassword([]byte(dl.PasswordHash), []byte(suppliedPassword)) != nil {
			s.policy.RecordAlert(ctx, "invalid_password", "warning",
				fmt.Sprintf("wrong password for link %s", shortCode),
				fmt.Sprintf("client_ip=%s", clientIP))
			return nil, ErrInvalidPassword
		}
	}

	return dl, nil
}

func (s *Service) checkIP(ctx context.Context, dl *models.DownloadLink, clientIP string) error {
	// A per-link allow list narrows access further; it never overrides
	// the global policy.
	if dl.AllowedIPs != "" {
		rules := strings.Split(dl.AllowedIPs, ",")
		if !policy.MatchesAny(clientIP, rules) {
			s.recordIPDenial(ctx, dl.ShortCode, clientIP, "not in link allow list")
			return ErrIPDenied
		}
	}

	allowed, err := s.policy.IsIPAllowed(ctx, clientIP)
	if err != nil {
		return fmt.Errorf("IP policy evaluation failed: %w", err)
	}
	if !allowed {
		s.recordIPDenial(ctx, dl.ShortCode, clientIP, "denied by global policy")
		return ErrIPDenied
	}
	return nil
}

func (s *Service) recordIPDenial(ctx context.Context, shortCode, clientIP, reason string) {
	s.policy.RecordAlert(ctx, "ip_denied", "warning",
		fmt.Sprintf("blocked access to link %s", shortCode),
		fmt.Sprintf("client_ip=%s reason=%s", clientIP, reason))
}

// Info is the public pre-download projection. It reveals whether a
// password is needed, never the hash.
type Info struct {
	ShortCode         string     `json:"short_code"`
	FileName          string     `json:"file_name"`
	FileSize          int64      `json:"file_size"`
	ContentType       string     `json:"content_type"`
	Mode              string     `json:"mode"`
	DownloadCount     int        `json:"download_count"`
	MaxDownloads      *int       `json:"max_downloads,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	PasswordProtected bool       `json:"password_protected"`
	CreatedAt         time.Time  `json:"created_at"`
}

// GetInfo is read-only and performs no access checks beyond link
// existence; it exists for pre-download previews.
func (s *Service) GetInfo(ctx context.Context, shortCode string) (*Info, error) {
	dl, err := s.fetch(ctx, shortCode)
	if err != nil {
		return nil, err
	}
	if !dl.Active {
		return nil, ErrLinkNotFound
	}

	meta, err := s.origin.GetFileMeta(ctx, dl.FileID)
	if err != nil {
		if errors.Is(err, origin.ErrFileNotFound) {
			return nil, origin.ErrFileNotFound
		}
		return nil, fmt.Errorf("origin metadata lookup failed: %w", err)
	}

	return &Info{
		ShortCode:         dl.ShortCode,
		FileName:          meta.Name,
		FileSize:          meta.Size,
		ContentType:       meta.ContentType,
		Mode:              dl.Mode,
		DownloadCount:     dl.DownloadCount,
		MaxDownloads:      dl.MaxDownloads,
		ExpiresAt:         dl.ExpiresAt,
		PasswordProtected: dl.PasswordHash != "",
		CreatedAt:         dl.CreatedAt,
	}, nil
}

// Patch lists the only link fields an owner may change after creation.
// Updates map to explicit columns; arbitrary field maps are not
// accepted anywhere.
type Patch struct {
	Active         *bool
	MaxDownloads   *int
	ExpiresAt      *time.Time
	BandwidthLimit *int64
}

func (p Patch) columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if p.Active != nil {
		cols["active"] = *p.Active
	}
	if p.MaxDownloads != nil {
		cols["max_downloads"] = *p.MaxDownloads
	}
	if p.ExpiresAt != nil {
		cols["expires_at"] = *p.ExpiresAt
	}
	if p.BandwidthLimit != nil {
		cols["bandwidth_limit"] = *p.BandwidthLimit
	}
	return cols
}

// Update applies an owner's patch to their link.
func (s *Service) Update(ctx context.Context, shortCode string, tokenID uint, patch Patch) error {
	dl, err := s.fetch(ctx, shortCode)
	if err != nil {
		return err
	}
	if dl.TokenID != tokenID {
		return ErrNotOwner
	}

	cols := patch.columns()
	if len(cols) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&models.DownloadLink{}).
		Where("short_code = ?", shortCode).
		Updates(cols).Error; err != nil {
		return fmt.Errorf("failed to update link: %w", err)
	}
	return nil
}

// Deactivate retires a link. Links are never hard-deleted.
func (s *Service) Deactivate(ctx context.Context, shortCode string, tokenID uint) error {
	inactive := false
	return s.Update(ctx, shortCode, tokenID, Patch{Active: &inactive})
}

func (s *Service) fetch(ctx context.Context, shortCode string) (*models.DownloadLink, error) {
	var dl models.DownloadLink
	err := s.db.WithContext(ctx).Where("short_code = ?", shortCode).First(&dl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("link lookup failed: %w", err)
	}
	return &dl, nil
}
