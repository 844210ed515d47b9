package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/sdko-org/delivery-gateway/internal/cache"
	"github.com/sdko-org/delivery-gateway/internal/config"
	"github.com/sdko-org/delivery-gateway/internal/engine"
	"github.com/sdko-org/delivery-gateway/internal/link"
	"github.com/sdko-org/delivery-gateway/internal/origin"
	"github.com/sdko-org/delivery-gateway/internal/session"
	"github.com/sdko-org/delivery-gateway/internal/token"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler carries the wired services behind the HTTP surface.
type Handler struct {
	cfg      *config.Config
	log      *logrus.Entry
	db       *gorm.DB
	links    *link.Service
	engine   *engine.Engine
	sessions *session.Tracker
	cache    *cache.Manager
	tokens   *token.Service
	origin   origin.Store
}

func New(logger *logrus.Logger, cfg *config.Config, db *gorm.DB, links *link.Service, eng *engine.Engine, sessions *session.Tracker, cacheManager *cache.Manager, tokens *token.Service, originStore origin.Store) *Handler {
	return &Handler{
		cfg:      cfg,
		log:      logger.WithField("component", "http_handler"),
		db:       db,
		links:    links,
		engine:   eng,
		sessions: sessions,
		cache:    cacheManager,
		tokens:   tokens,
		origin:   originStore,
	}
}

func getClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		var err error
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
	}
	if strings.Contains(ip, ",") {
		parts := strings.Split(ip, ",")
		ip = strings.TrimSpace(parts[0])
	}
	return ip
}
