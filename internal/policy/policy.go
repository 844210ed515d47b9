package policy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sdko-org/delivery-gateway/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SettingDefaultExpiryDays    = "default_expiry_days"
	SettingDefaultUsageCap      = "default_usage_cap"
	SettingIPRestrictionEnabled = "ip_restriction_enabled"
	SettingAlertsEnabled        = "alerts_enabled"
)

var defaultSettings = map[string]string{
	SettingDefaultExpiryDays:    "7",
	SettingDefaultUsageCap:      "0",
	SettingIPRestrictionEnabled: "false",
	SettingAlertsEnabled:        "true",
}

// Engine decides allow/deny for download attempts based on the IP lists
// and global settings held in the database. Reads go through a
// short-TTL snapshot so a validation does not cost a storage round
// trip; the TTL bounds how long a fresh blacklist entry can be missed.
type Engine struct {
	db  *gorm.DB
	log *logrus.Entry
	ttl time.Duration

	mu   sync.RWMutex
	snap *snapshot
}

type snapshot struct {
	settings  map[string]string
	whitelist []ipRule
	blacklist []ipRule
	loadedAt  time.Time
}

type ipRule struct {
	raw string
	net *net.IPNet
}

func (r ipRule) matches(ip net.IP) bool {
	if r.net != nil {
		return r.net.Contains(ip)
	}
	other := net.ParseIP(r.raw)
	return other != nil && other.Equal(ip)
}

func NewEngine(logger *logrus.Logger, db *gorm.DB, ttl time.Duration) *Engine {
	return &Engine{
		db:  db,
		log: logger.WithField("component", "policy_engine"),
		ttl: ttl,
	}
}

// SeedDefaults inserts any missing settings rows. Existing values are
// never overwritten.
func (e *Engine) SeedDefaults(ctx context.Context) error {
	for key, value := range defaultSettings {
		setting := models.SecuritySetting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
		if err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&setting).Error; err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}
	return nil
}

func (e *Engine) current(ctx context.Context) (*snapshot, error) {
	e.mu.RLock()
	snap := e.snap
	e.mu.RUnlock()
	if snap != nil && time.Since(snap.loadedAt) < e.ttl {
		return snap, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap != nil && time.Since(e.snap.loadedAt) < e.ttl {
		return e.snap, nil
	}

	snap, err := e.load(ctx)
	if err != nil {
		// Fail closed. The previous snapshot is already past its TTL,
		// and serving it could miss a fresh blacklist entry.
		return nil, err
	}
	e.snap = snap
	return snap, nil
}

func (e *Engine) load(ctx context.Context) (*snapshot, error) {
	var rows []models.SecuritySetting
	if err := e.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load security settings: %w", err)
	}

	settings := make(map[string]string, len(defaultSettings))
	for key, value := range defaultSettings {
		settings[key] = value
	}
	for _, row := range rows {
		settings[row.Key] = row.Value
	}

	var entries []models.IPListEntry
	if err := e.db.WithContext(ctx).Where("active = ?", true).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load IP lists: %w", err)
	}

	snap := &snapshot{settings: settings, loadedAt: time.Now()}
	for _, entry := range entries {
		rule, err := parseRule(entry.CIDR)
		if err != nil {
			e.log.WithFields(logrus.Fields{"entry": entry.CIDR, "list": entry.List}).Warn("Skipping unparsable IP list entry")
			continue
		}
		switch entry.List {
		case models.ListBlacklist:
			snap.blacklist = append(snap.blacklist, rule)
		case models.ListWhitelist:
			snap.whitelist = append(snap.whitelist, rule)
		}
	}
	return snap, nil
}

func parseRule(value string) (ipRule, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		_, ipnet, err := net.ParseCIDR(value)
		if err != nil {
			return ipRule{}, err
		}
		return ipRule{raw: value, net: ipnet}, nil
	}
	if net.ParseIP(value) == nil {
		return ipRule{}, fmt.Errorf("invalid IP address %q", value)
	}
	return ipRule{raw: value}, nil
}

// IsIPAllowed applies the blacklist first, unconditionally; the
// whitelist only matters when global IP restriction is enabled.
func (e *Engine) IsIPAllowed(ctx context.Context, clientIP string) (bool, error) {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false, nil
	}

	snap, err := e.current(ctx)
	if err != nil {
		return false, err
	}

	for _, rule := range snap.blacklist {
		if rule.matches(ip) {
			return false, nil
		}
	}

	if snap.settings[SettingIPRestrictionEnabled] == "true" {
		for _, rule := range snap.whitelist {
			if rule.matches(ip) {
				return true, nil
			}
		}
		return false, nil
	}

	return true, nil
}

// MatchesAny reports whether clientIP matches any of the given
// addresses or CIDR ranges. Used for per-link allow lists.
func MatchesAny(clientIP string, rules []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, raw := range rules {
		rule, err := parseRule(raw)
		if err != nil {
			continue
		}
		if rule.matches(ip) {
			return true
		}
	}
	return false
}

// GetDefaultExpiry returns the configured default link lifetime; zero
// means links never expire unless the creator sets an expiry.
func (e *Engine) GetDefaultExpiry(ctx context.Context) (time.Duration, error) {
	snap, err := e.current(ctx)
	if err != nil {
		return 0, err
	}
	days, err := strconv.Atoi(snap.settings[SettingDefaultExpiryDays])
	if err != nil || days < 0 {
		days = 0
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// GetDefaultUsageCap returns the configured default max-download count;
// nil means unlimited.
func (e *Engine) GetDefaultUsageCap(ctx context.Context) (*int, error) {
	snap, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	limit, err := strconv.Atoi(snap.settings[SettingDefaultUsageCap])
	if err != nil || limit <= 0 {
		return nil, nil
	}
	return &limit, nil
}

// UpdateSetting changes one global setting and drops the cached
// snapshot so the change takes effect immediately on this process.
func (e *Engine) UpdateSetting(ctx context.Context, key, value string) error {
	if _, ok := defaultSettings[key]; !ok {
		return fmt.Errorf("unknown security setting %q", key)
	}
	setting := models.SecuritySetting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if err := e.db.WithContext(ctx).Save(&setting).Error; err != nil {
		return fmt.Errorf("failed to update setting %s: %w", key, err)
	}
	e.invalidate()
	return nil
}

// AddIPEntry appends a whitelist or blacklist rule.
func (e *Engine) AddIPEntry(ctx context.Context, list, cidr, reason string) error {
	if list != models.ListWhitelist && list != models.ListBlacklist {
		return fmt.Errorf("unknown IP list %q", list)
	}
	if _, err := parseRule(cidr); err != nil {
		return err
	}
	entry := models.IPListEntry{
		List:      list,
		CIDR:      cidr,
		Reason:    reason,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to add IP list entry: %w", err)
	}
	e.invalidate()
	return nil
}

// DeactivateIPEntry retires a rule without deleting it.
func (e *Engine) DeactivateIPEntry(ctx context.Context, id uint) error {
	result := e.db.WithContext(ctx).Model(&models.IPListEntry{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate IP list entry: %w", result.Error)
	}
	e.invalidate()
	return nil
}

func (e *Engine) invalidate() {
	e.mu.Lock()
	e.snap = nil
	e.mu.Unlock()
}

// RecordAlert appends an immutable security-alert row when alerting is
// enabled. Failures are logged, never propagated; an alert must not
// break the request that triggered it.
func (e *Engine) RecordAlert(ctx context.Context, kind, severity, message, details string) {
	snap, err := e.current(ctx)
	if err != nil {
		e.log.WithError(err).Warn("Skipping alert, settings unavailable")
		return
	}
	if snap.settings[SettingAlertsEnabled] != "true" {
		return
	}

	alert := models.SecurityAlert{
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(&alert).Error; err != nil {
		e.log.WithError(err).Warn("Failed to record security alert")
	}
}

// PurgeAlerts deletes alerts older than the retention window.
func (e *Engine) PurgeAlerts(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result := e.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.SecurityAlert{})
	if result.Error != nil {
		return 0, fmt.Errorf("alert purge failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}
