// Package httpapi is the admin/observability HTTP surface (spec.md §9,
// "a complete repo still needs one"): fleet status, per-instance detail,
// manual stop/restart, and session-authenticated admin actions. It never
// touches the chat transport or Stream Bridge; those are glue's job.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-contrib/sessions"
	sessredis "github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencode-relay/orchestrator/internal/config"
	"github.com/opencode-relay/orchestrator/internal/http/middleware"
	"github.com/opencode-relay/orchestrator/internal/manager"
)

// Server is the admin HTTP surface bound to one Manager.
type Server struct {
	log  *zap.Logger
	cfg  config.Config
	http *http.Server
}

// New builds the Gin router and wraps it in an http.Server, following the
// teacher's cmd/zmux-server/main.go composition: Recovery first, CORS in
// dev only, then a Zap access-log middleware, then routes.
func New(log *zap.Logger, cfg config.Config, mgr *manager.Manager) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("httpapi")

	store, err := sessredis.NewStoreWithDB(10, "tcp", cfg.RedisAddr, "", "", "0",
		[]byte("change-me-session-secret")) // TODO(security): load from config, rotate
	if err != nil {
		return nil, err
	}
	store.Options(sessions.Options{
		Path:     "/admin",
		MaxAge:   4 * 3600,
		Secure:   cfg.Env != "dev",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())

	if cfg.Env == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization", "X-CSRF-Token"},
			ExposeHeaders:    []string{"X-Total-Count"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(secure.New(secure.Config{
			SSLRedirect:           false, // terminated upstream
			STSSeconds:            31536000,
			STSIncludeSubdomains:  true,
			FrameDeny:             true,
			ContentTypeNosniff:    true,
			ContentSecurityPolicy: "default-src 'none'",
		}))
	}

	r.Use(accessLog(log))
	r.Use(sessions.Sessions("ocr_admin_sid", store))

	h := &handlers{log: log, cfg: cfg, mgr: mgr}

	admin := r.Group("/admin")
	admin.POST("/login", h.login)
	admin.Use(middleware.Authentication(cfg.AdminUsername, cfg.AdminPassword))
	admin.Use(middleware.ValidateSessionCSRF)
	{
		admin.GET("/csrf", h.issueCSRF)
		admin.POST("/logout", h.logout)
		admin.GET("/status", h.getStatus)
		admin.GET("/instances", h.listInstances)
		admin.GET("/instances/:id/logs", h.instanceLogs)
		admin.POST("/instances/:id/stop", h.stopInstance)
		admin.POST("/instances/:id/restart", h.restartInstance)
	}

	r.GET("/healthz", h.healthz)

	return &Server{
		log: log,
		cfg: cfg,
		http: &http.Server{
			Addr:           cfg.AdminListenAddr,
			Handler:        r,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 15,
			ErrorLog:       zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
		},
	}, nil
}

// Run blocks serving until the context is cancelled or ListenAndServe fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin http listening", zap.String("addr", s.cfg.AdminListenAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// accessLog is a Gin middleware logging each request via Zap, following
// the teacher's ZapLogger pattern in cmd/zmux-server/main.go.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joined := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if joined != nil {
			fields = append(fields, zap.Error(joined))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
