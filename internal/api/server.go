// Package api provides the OpenAI-compatible HTTP surface of the gateway:
// chat completions, the model table, operator status, and cached media
// serving. It is built on the gin web framework.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/BizGeminiAPI/internal/account"
	"github.com/router-for-me/BizGeminiAPI/internal/chat"
	"github.com/router-for-me/BizGeminiAPI/internal/config"
	"github.com/router-for-me/BizGeminiAPI/internal/media"
	"github.com/router-for-me/BizGeminiAPI/internal/upstream"
)

// maxRequestBody bounds chat request bodies, inline uploads included.
const maxRequestBody = 64 << 20

// Server is the HTTP API server.
type Server struct {
	cfg    *config.Config
	pool   *account.Pool
	orch   *chat.Orchestrator
	cache  *media.Cache
	engine *gin.Engine
}

// NewServer wires the routes and middleware over the given collaborators.
func NewServer(cfg *config.Config, pool *account.Pool, orch *chat.Orchestrator, cache *media.Cache) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:    cfg,
		pool:   pool,
		orch:   orch,
		cache:  cache,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), corsMiddleware())

	s.engine.GET("/health", s.health)
	s.engine.GET("/image/:filename", s.serveMedia(media.KindImage))
	s.engine.GET("/video/:filename", s.serveMedia(media.KindVideo))

	v1 := s.engine.Group("/v1", s.authMiddleware())
	v1.POST("/chat/completions", s.chatCompletions)
	v1.GET("/models", s.listModels)
	v1.GET("/status", s.status)

	return s
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the server on the configured port.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Infof("API server listening on %s", addr)
	return s.engine.Run(addr)
}

// authMiddleware checks the client bearer key against the configured list.
// With no keys configured the surface is open.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.cfg.APIKeys) == 0 {
			c.Next()
			return
		}
		key := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if key == "" {
			key = c.GetHeader("x-api-key")
		}
		for _, allowed := range s.cfg.APIKeys {
			if key == allowed {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, openAIError("invalid API key", "invalid_request_error"))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, x-api-key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func openAIError(message string, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}

// chatCompletions handles POST /v1/chat/completions, streaming and not.
func (s *Server) chatCompletions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, openAIError("failed to read request body", "invalid_request_error"))
		return
	}
	req, err := chat.ParseRequest(body, c.GetHeader("User-Agent"), s.cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, openAIError(err.Error(), "invalid_request_error"))
		return
	}

	if !req.Stream {
		respBody, errComplete := s.orch.Complete(c.Request.Context(), req)
		if errComplete != nil {
			s.writeUpstreamError(c, errComplete)
			return
		}
		c.Data(http.StatusOK, "application/json", respBody)
		return
	}

	turn, err := s.orch.Begin(c.Request.Context(), req)
	if err != nil {
		s.writeUpstreamError(c, err)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeaderNow()
	s.orch.StreamTurn(c.Request.Context(), turn, c.Writer)
}

// writeUpstreamError maps orchestration failures onto client status codes.
// Exhausted pools answer 503 with a retry hint, upstream rate and quota
// limits answer 429, auth failures and other upstream errors answer 502.
func (s *Server) writeUpstreamError(c *gin.Context, err error) {
	var noAvail *account.NoAvailableError
	if errors.As(err, &noAvail) {
		if noAvail.RetryAfter > 0 {
			c.Header("Retry-After", fmt.Sprintf("%d", int(noAvail.RetryAfter.Seconds())+1))
		}
		c.JSON(http.StatusServiceUnavailable, openAIError(err.Error(), "server_error"))
		return
	}
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests:
			msg := "upstream rate limited"
			if statusErr.QuotaKind != "" {
				msg = fmt.Sprintf("daily %s quota exhausted", statusErr.QuotaKind)
			}
			c.JSON(http.StatusTooManyRequests, openAIError(msg, "rate_limit_error"))
		case http.StatusUnauthorized, http.StatusForbidden:
			c.JSON(http.StatusBadGateway, openAIError("upstream auth failed", "server_error"))
		default:
			c.JSON(http.StatusBadGateway, openAIError(err.Error(), "server_error"))
		}
		return
	}
	var authErr *upstream.AuthFailedError
	if errors.As(err, &authErr) {
		c.JSON(http.StatusBadGateway, openAIError("upstream auth failed", "server_error"))
		return
	}
	log.Errorf("chat completion failed: %v", err)
	c.JSON(http.StatusInternalServerError, openAIError(err.Error(), "server_error"))
}

// listModels handles GET /v1/models with the configured table plus the
// virtual generation models.
func (s *Server) listModels(c *gin.Context) {
	created := time.Now().Unix()
	seen := make(map[string]bool)
	data := make([]gin.H, 0, len(s.cfg.Models)+2)
	appendModel := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "google",
		})
	}
	for _, m := range s.cfg.Models {
		appendModel(m.ID)
	}
	if len(s.cfg.Models) == 0 {
		appendModel("gemini-enterprise")
	}
	appendModel("gemini-image")
	appendModel("gemini-video")
	appendModel("image-gen")
	appendModel("video-gen")

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// status handles GET /v1/status with per-account operator state.
func (s *Server) status(c *gin.Context) {
	total, available := s.pool.Counts()
	c.JSON(http.StatusOK, gin.H{
		"total_accounts":     total,
		"available_accounts": available,
		"accounts":           s.pool.Views(),
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// serveMedia returns the handler for one cached media bucket.
func (s *Server) serveMedia(kind media.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		filename := c.Param("filename")
		f, err := s.cache.Open(kind, filename)
		if err != nil {
			c.JSON(http.StatusNotFound, openAIError("media not found or expired", "invalid_request_error"))
			return
		}
		defer func() { _ = f.Close() }()
		c.Header("Content-Type", media.MIMEForFilename(filename))
		c.Header("Cache-Control", "public, max-age=3600")
		c.Status(http.StatusOK)
		if _, err = io.Copy(c.Writer, f); err != nil {
			log.Debugf("serve media %s aborted: %v", filename, err)
		}
	}
}
