package controlapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hedgeedge/internal/domain"
)

// sessionView merges the status machine with the sanitized credential
// projection — the shape the UI actually needs, split across two structs
// internally so credentials can never leak accidentally.
type sessionView struct {
	ID            string                `json:"id"`
	AccountID     string                `json:"accountId"`
	Status        domain.SessionStatus  `json:"status"`
	Platform      domain.Platform       `json:"platform"`
	Role          domain.SessionRole    `json:"role"`
	AutoReconnect bool                  `json:"autoReconnect"`
	Error         string                `json:"error,omitempty"`
	Sanitized     domain.SanitizedSession `json:"credentials"`
}

func (s *Server) listSessions(c *gin.Context) {
	all := s.sessions.All()
	sanitized := s.sessions.Sanitized(nil)
	out := make([]sessionView, 0, len(all))
	for id, sess := range all {
		out = append(out, sessionView{
			ID: id, AccountID: sess.AccountID, Status: sess.Status,
			Platform: sess.Platform, Role: sess.Role, AutoReconnect: sess.AutoReconnect,
			Error: sess.Error, Sanitized: sanitized[id],
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) sessionSnapshot(c *gin.Context) {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if sess.TerminalID == "" {
		c.JSON(http.StatusOK, gin.H{"snapshot": nil})
		return
	}
	snap, ok := s.reader.Snapshot(sess.TerminalID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"snapshot": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

func (s *Server) triggerScan(c *gin.Context) {
	var body struct {
		Force bool `json:"force"`
	}
	_ = c.ShouldBindJSON(&body)
	discovered := s.reader.ScanAndConnect(c.Request.Context(), body.Force)
	c.JSON(http.StatusOK, gin.H{"discovered": discovered})
}

func (s *Server) sendCommand(c *gin.Context) {
	var cmd domain.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	res := s.reader.SendCommand(c.Request.Context(), c.Param("id"), cmd)
	c.JSON(http.StatusOK, res)
}

func (s *Server) listGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": s.engine.Groups()})
}

func (s *Server) upsertGroup(c *gin.Context) {
	var g domain.CopierGroup
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	// ReverseMode is unconditionally enforced by the copier engine, never
	// user-toggleable; reflect that back in every follower's stored config.
	for i := range g.Followers {
		g.Followers[i].ReverseMode = true
	}
	s.engine.UpsertGroup(g)
	c.JSON(http.StatusOK, gin.H{"group": g})
}

func (s *Server) listActivity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"activity": s.engine.Activity()})
}

func (s *Server) resetCircuitBreaker(c *gin.Context) {
	ok := s.engine.ResetCircuitBreaker(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "follower not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// syncOfflineTrades replays a follower terminal's append-only trade log for
// COPY_CLOSE entries newer than its persisted watermark (spec §4.8.5,
// §6.5). It is a no-op, not an error, when the terminal never wrote a log.
func (s *Server) syncOfflineTrades(c *gin.Context) {
	followerID := c.Param("id")
	groupID, accountID, ok := s.engine.FollowerLookup(followerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "follower not found"})
		return
	}
	if s.offlineSync == nil || s.tradeLogPath == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline sync not configured"})
		return
	}
	if err := s.offlineSync.Sync(accountID, followerID, groupID, s.tradeLogPath(accountID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
