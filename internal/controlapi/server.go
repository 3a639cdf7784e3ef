// Package controlapi is the concrete REST/websocket boundary a host shell
// drives instead of talking to the domain packages directly (spec §4.11 —
// spec.md deliberately leaves HostGlue's UI transport unspecified; this is
// the repo's own answer to "somewhere for it to live"). Grounded on the
// teacher's internal/api package: gin.Engine, a small middleware stack, and
// a gorilla/websocket hub fed by background publishers.
package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hedgeedge/internal/channelreader"
	"hedgeedge/internal/copier"
	"hedgeedge/internal/session"
)

// Options configures the server's bind address and auth secret.
type Options struct {
	Addr      string
	JWTSecret string
	TokenFile string // path issueProcessToken writes the bearer token to
}

// Server wires the HTTP/websocket surface around the domain collaborators
// HostGlue's timers and the UI both need.
type Server struct {
	router      *gin.Engine
	http        *http.Server
	hub         *hub
	reader      *channelreader.Reader
	sessions    *session.Manager
	engine      *copier.Engine
	offlineSync *copier.OfflineSync
	tradeLogPath func(accountID string) string
}

// New builds the gin router, mints the process bearer token, and returns a
// Server ready for Start. offlineSync and tradeLogPath back the
// syncOfflineTrades control-surface operation (spec §6.5); tradeLogPath
// resolves an account id to the terminal-written JSONL log OfflineSync
// replays.
func New(opts Options, reader *channelreader.Reader, sessions *session.Manager, engine *copier.Engine, offlineSync *copier.OfflineSync, tradeLogPath func(accountID string) string) (*Server, string, error) {
	token, err := issueProcessToken(opts.JWTSecret, opts.TokenFile)
	if err != nil {
		return nil, "", err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware())

	s := &Server{
		router:       r,
		hub:          newHub(),
		reader:       reader,
		sessions:     sessions,
		engine:       engine,
		offlineSync:  offlineSync,
		tradeLogPath: tradeLogPath,
	}
	s.routes(opts.JWTSecret)
	s.http = &http.Server{Addr: opts.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s, token, nil
}

func (s *Server) routes(secret string) {
	s.router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/ws", s.websocket)

	api := s.router.Group("/api/v1")
	api.Use(authMiddleware(secret))
	{
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id/snapshot", s.sessionSnapshot)
		api.POST("/terminals/scan", s.triggerScan)
		api.POST("/terminals/:id/command", s.sendCommand)
		api.GET("/copier/groups", s.listGroups)
		api.POST("/copier/groups", s.upsertGroup)
		api.GET("/copier/activity", s.listActivity)
		api.POST("/copier/followers/:id/reset-circuit-breaker", s.resetCircuitBreaker)
		api.POST("/copier/followers/:id/sync-offline-trades", s.syncOfflineTrades)
	}
}

// PublishSnapshot is HostGlue's account-refresh timer sink (30s).
func (s *Server) PublishSnapshot(payload any) { s.hub.publish(topicSnapshot, payload) }

// PublishHealth is HostGlue's throttled heartbeat sink (2s).
func (s *Server) PublishHealth(payload any) { s.hub.publish(topicHealth, payload) }

// PublishEvent is the immediate trade/connection event sink (no throttle).
func (s *Server) PublishEvent(payload any) { s.hub.publish(topicEvent, payload) }

// Start runs the HTTP server; it blocks until Shutdown stops it.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the HTTP server down, for the composition root's
// signal handler.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
