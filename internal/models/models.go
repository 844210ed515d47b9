package models

import (
	"time"
)

// APIToken authenticates calls on the management surface. The secret is
// stored only as a SHA-256 hex digest; the plaintext exists once, at
// creation time.
type APIToken struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	SecretHash  string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	Name        string    `gorm:"type:varchar(128);not null"`
	Type        string    `gorm:"type:varchar(16);not null;index"`
	UserID      string    `gorm:"type:varchar(64);index"`
	Permissions string    `gorm:"type:text;not null"`
	ExpiresAt   *time.Time
	Active      bool  `gorm:"not null;default:true"`
	UsageCount  int64 `gorm:"not null;default:0"`
	UsageCap    *int64
	LastUsedAt  *time.Time
	CreatedAt   time.Time `gorm:"not null"`
}

const (
	TokenTypeAdmin   = "admin"
	TokenTypeLimited = "limited"
	TokenTypeUser    = "user"
)

// DownloadLink is a shareable capability over one origin file,
// addressed by its unique short code.
type DownloadLink struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ShortCode      string `gorm:"type:varchar(32);uniqueIndex;not null"`
	FileID         string `gorm:"type:varchar(512);not null;index"`
	Mode           string `gorm:"type:varchar(16);not null"`
	TokenID        uint   `gorm:"not null;index"`
	MaxDownloads   *int
	ExpiresAt      *time.Time `gorm:"index"`
	AllowedIPs     string     `gorm:"type:text"`
	PasswordHash   string     `gorm:"type:varchar(128)"`
	BandwidthLimit int64      `gorm:"not null;default:0"`
	DownloadCount  int        `gorm:"not null;default:0"`
	Active         bool       `gorm:"not null;default:true"`
	CreatedAt      time.Time  `gorm:"not null"`
}

const (
	ModeStream = "stream"
	ModeCached = "cached"
)

// CacheEntry indexes one materialized local copy of a file. At most one
// valid row exists per file id.
type CacheEntry struct {
	FileID      string    `gorm:"primaryKey;type:varchar(512);not null"`
	Path        string    `gorm:"type:text;not null"`
	FileName    string    `gorm:"type:text;not null"`
	SizeBytes   int64     `gorm:"not null;default:0"`
	StoredAt    time.Time `gorm:"index;not null"`
	ExpiresAt   time.Time `gorm:"index;not null"`
	LastAccess  time.Time `gorm:"index;not null"`
	AccessCount int64     `gorm:"not null;default:0"`
	Valid       bool      `gorm:"not null;default:true;index"`
}

// DownloadSession records one attempted transfer from start to terminal
// outcome. Terminal rows are immutable.
type DownloadSession struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	ShortCode   string `gorm:"type:varchar(32);not null;index"`
	FileID      string `gorm:"type:varchar(512);not null"`
	ClientIP    string `gorm:"type:varchar(45);not null"`
	UserAgent   string `gorm:"type:text"`
	Method      string `gorm:"type:varchar(16);not null"`
	TotalBytes  int64  `gorm:"not null;default:0"`
	BytesSent   int64  `gorm:"not null;default:0"`
	Status      string `gorm:"type:varchar(16);not null;index"`
	Error       string `gorm:"type:text"`
	StartedAt   time.Time `gorm:"index;not null"`
	CompletedAt *time.Time
}

const (
	SessionPending     = "pending"
	SessionDownloading = "downloading"
	SessionCompleted   = "completed"
	SessionFailed      = "failed"
)

// SecuritySetting is a process-wide keyed configuration value, seeded
// with defaults on first start and changed only by admin action.
type SecuritySetting struct {
	Key       string    `gorm:"primaryKey;type:varchar(64)"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// IPListEntry is a whitelist or blacklist row holding an address or
// CIDR range. Entries are deactivated, never hard-deleted.
type IPListEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	List      string    `gorm:"type:varchar(16);not null;index"`
	CIDR      string    `gorm:"type:varchar(64);not null"`
	Reason    string    `gorm:"type:text"`
	Active    bool      `gorm:"not null;default:true;index"`
	CreatedAt time.Time `gorm:"not null"`
}

const (
	ListWhitelist = "whitelist"
	ListBlacklist = "blacklist"
)

// SecurityAlert is an append-only audit record. Rows are removed only
// by the age-based purge.
type SecurityAlert struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Kind      string    `gorm:"type:varchar(64);not null;index"`
	Severity  string    `gorm:"type:varchar(16);not null"`
	Message   string    `gorm:"type:text;not null"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index;not null"`
}

type AccessLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index;not null"`
	Method    string    `gorm:"type:varchar(10);not null"`
	Path      string    `gorm:"type:text;not null"`
	Status    int       `gorm:"not null;index"`
	Duration  time.Duration
	ClientIP  string `gorm:"type:varchar(45);not null"`
	UserAgent string `gorm:"type:text"`
	BytesSent int    `gorm:"not null;default:0"`
}

func (APIToken) TableName() string {
	return "api_tokens"
}

func (DownloadLink) TableName() string {
	return "download_links"
}

func (CacheEntry) TableName() string {
	return "cache_entries"
}

func (DownloadSession) TableName() string {
	return "download_sessions"
}

func (SecuritySetting) TableName() string {
	return "security_settings"
}

func (IPListEntry) TableName() string {
	return "ip_list_entries"
}

func (SecurityAlert) TableName() string {
	return "security_alerts"
}

func (AccessLog) TableName() string {
	return "access_logs"
}
