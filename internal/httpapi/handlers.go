package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencode-relay/orchestrator/internal/config"
	"github.com/opencode-relay/orchestrator/internal/manager"
	"github.com/opencode-relay/orchestrator/internal/principal"
)

type handlers struct {
	log *zap.Logger
	cfg config.Config
	mgr *manager.Manager
}

// healthz reports process liveness; unauthenticated (load-balancer probe).
func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// login authenticates against the configured admin account and starts a session.
func (h *handlers) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.AdminUsername)) != 1 ||
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.AdminPassword)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid credentials"})
		return
	}

	sess := sessions.Default(c)
	sess.Set("uid", req.Username)
	sess.Set("last_touch", time.Now().Unix())
	if err := sess.Save(); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// logout clears the current admin session.
func (h *handlers) logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/admin", MaxAge: -1, HttpOnly: true})
	_ = sess.Save()
	c.Status(http.StatusNoContent)
}

// issueCSRF issues (or returns) this session's CSRF token.
func (h *handlers) issueCSRF(c *gin.Context) {
	sess := sessions.Default(c)
	token, _ := sess.Get("csrf").(string)
	if token == "" {
		token = randomTokenHex(32)
		sess.Set("csrf", token)
		_ = sess.Save()
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"csrf": token})
}

func randomTokenHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// getStatus returns the fleet-wide snapshot (spec.md §4.4.1).
func (h *handlers) getStatus(c *gin.Context) {
	s := h.mgr.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"total":           s.Total,
		"running":         s.Running,
		"stopped":         s.Stopped,
		"error":           s.Error,
		"available_ports": s.AvailablePorts,
		"principal":       principal.GetPrincipal(c).ID,
	})
}

// listInstances returns every currently live instance.
func (h *handlers) listInstances(c *gin.Context) {
	live := h.mgr.ListLive()
	out := make([]gin.H, 0, len(live))
	for _, inst := range live {
		out = append(out, gin.H{
			"id":           inst.ID,
			"project_path": inst.ProjectPath,
			"port":         inst.Port,
			"state":        inst.State,
		})
	}
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out)
}

// instanceLogs returns the last n captured stdout/stderr lines for id.
func (h *handlers) instanceLogs(c *gin.Context) {
	id := c.Param("id")
	n := 200
	if raw := c.Query("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	c.JSON(http.StatusOK, gin.H{"lines": h.mgr.Logs(id, n)})
}

// stopInstance manually stops a live instance.
func (h *handlers) stopInstance(c *gin.Context) {
	id := c.Param("id")
	if err := h.mgr.StopInstance(c.Request.Context(), id); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// restartInstance manually restarts a live instance, bypassing backoff.
func (h *handlers) restartInstance(c *gin.Context) {
	id := c.Param("id")
	proc, err := h.mgr.Restart(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": proc.ID(), "port": proc.Port()})
}
