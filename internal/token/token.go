package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sdko-org/delivery-gateway/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrInvalidToken covers every authentication failure: unknown secret,
// inactive, expired, or over its usage cap. Callers get no more detail
// than that.
var ErrInvalidToken = errors.New("invalid or expired token")

const secretPrefix = "dg_"

// Service manages API tokens. Secrets live only as SHA-256 digests;
// the plaintext is returned exactly once, from Create.
type Service struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewService(logger *logrus.Logger, db *gorm.DB) *Service {
	return &Service{
		db:  db,
		log: logger.WithField("component", "token_service"),
	}
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Create mints a new token and returns the plaintext secret alongside
// the stored record.
func (s *Service) Create(ctx context.Context, name, tokenType, userID string, permissions []string, expiresAt *time.Time, usageCap *int64) (string, *models.APIToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	secret := secretPrefix + hex.EncodeToString(raw)

	tok := models.APIToken{
		SecretHash:  hashSecret(secret),
		Name:        name,
		Type:        tokenType,
		UserID:      userID,
		Permissions: strings.Join(permissions, ","),
		ExpiresAt:   expiresAt,
		Active:      true,
		UsageCap:    usageCap,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&tok).Error; err != nil {
		return "", nil, fmt.Errorf("failed to persist token: %w", err)
	}

	s.log.WithFields(logrus.Fields{"token_id": tok.ID, "type": tokenType}).Info("Created API token")
	return secret, &tok, nil
}

// Authenticate resolves a presented secret and charges one use against
// the token. The usage bump is conditional in the database so
// concurrent calls cannot push a capped token past its cap.
func (s *Service) Authenticate(ctx context.Context, secret string) (*models.APIToken, error) {
	var tok models.APIToken
	err := s.db.WithContext(ctx).
		Where("secret_hash = ? AND active = ?", hashSecret(secret), true).
		First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}

	if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	result := s.db.WithContext(ctx).Model(&models.APIToken{}).
		Where("id = ? AND (usage_cap IS NULL OR usage_count < usage_cap)", tok.ID).
		UpdateColumns(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("token usage update failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrInvalidToken
	}
	tok.UsageCount++

	return &tok, nil
}

// HasPermission checks the token's permission set; admin tokens hold
// every permission implicitly.
func HasPermission(tok *models.APIToken, permission string) bool {
	if tok.Type == models.TokenTypeAdmin {
		return true
	}
	for _, p := range strings.Split(tok.Permissions, ",") {
		if strings.TrimSpace(p) == permission {
			return true
		}
	}
	return false
}

// Purge hard-deletes inactive tokens; the only path that ever removes
// token rows.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("active = ?", false).
		Delete(&models.APIToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("token purge failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Deactivate retires a token without deleting it.
func (s *Service) Deactivate(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Model(&models.APIToken{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("token deactivation failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidToken
	}
	return nil
}
