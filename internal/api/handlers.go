package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/engine"
)

type controlRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	metrics := s.risk.Metrics()
	positions := s.positions.Positions()

	var last *engine.Transition
	if h := s.engine.History(1); len(h) > 0 {
		last = &h[len(h)-1]
	}

	c.JSON(http.StatusOK, gin.H{
		"state":           s.engine.State(),
		"session_id":      s.engine.SessionID(),
		"uptime_seconds":  time.Since(s.started).Seconds(),
		"open_positions":  len(positions),
		"last_transition": last,
		"risk":            metrics,
		"timestamp":       time.Now().UTC(),
	})
}

func (s *Server) handleFSMHistory(c *gin.Context) {
	n := parseLimit(c, 50)
	c.JSON(http.StatusOK, gin.H{
		"state":       s.engine.State(),
		"transitions": s.engine.History(n),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.positions.Positions()
	if positions == nil {
		positions = []*domain.Position{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

func (s *Server) handleScan(c *gin.Context) {
	results, ts := s.engine.LastScan()
	if results == nil {
		results = []*domain.ScanResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"scanned_at": ts,
		"count":      len(results),
		"results":    results,
	})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	n := parseLimit(c, 100)
	events := s.diag.Recent(n)
	c.JSON(http.StatusOK, gin.H{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.engine.Start(c.Request.Context()); err != nil {
		s.controlError(c, err)
		return
	}
	s.controlOK(c, "started")
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.engine.Stop(c.Request.Context()); err != nil {
		s.controlError(c, err)
		return
	}
	s.controlOK(c, "stopped")
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.engine.Pause(); err != nil {
		s.controlError(c, err)
		return
	}
	s.controlOK(c, "paused")
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.engine.Resume(); err != nil {
		s.controlError(c, err)
		return
	}
	s.controlOK(c, "resumed")
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req controlRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator emergency stop"
	}
	if err := s.engine.EmergencyStop(c.Request.Context(), req.Reason); err != nil {
		s.controlError(c, err)
		return
	}
	s.controlOK(c, "emergency stop engaged")
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.engine.Reset(); err != nil {
		s.controlError(c, err)
		return
	}
	s.controlOK(c, "reset to idle")
}

func (s *Server) handleRiskReset(c *gin.Context) {
	s.engine.ResetRisk()
	s.controlOK(c, "kill switch reset")
}

func (s *Server) controlOK(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   message,
		"state":     s.engine.State(),
		"timestamp": time.Now().UTC(),
	})
}

// controlError maps the error taxonomy onto HTTP codes: refused
// transitions are a client conflict, everything else is internal
func (s *Server) controlError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if domain.IsKind(err, domain.KindInvalidTransition) {
		status = http.StatusConflict
	}
	s.log.Warn().Err(err).Str("path", c.FullPath()).Msg("Control command refused")
	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
		"state":   s.engine.State(),
	})
}

func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
