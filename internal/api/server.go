// Package api exposes the pipeline over an OpenAI-compatible HTTP surface.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/sleepstars/localbrain/internal/config"
	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/models"
	"github.com/sleepstars/localbrain/internal/orchestrator"
)

// Pipeline runs completion requests.
type Pipeline interface {
	Complete(ctx context.Context, req *models.CompletionRequest, source string) (*models.ChatCompletionResponse, error)
	Stream(ctx context.Context, req *models.CompletionRequest, source string) (*orchestrator.ChunkStream, error)
}

// Server holds the gateway's handlers and middleware state.
type Server struct {
	pipeline Pipeline
	model    config.ModelConfig
	limiter  *rate.Limiter
	maxBody  int64
	logger   *logger.Logger
}

// NewServer creates the gateway. Rate limiting is enabled when
// cfg.Server.RateLimitRPS is positive.
func NewServer(pipeline Pipeline, cfg *config.Config) *Server {
	s := &Server{
		pipeline: pipeline,
		model:    cfg.Model,
		maxBody:  cfg.Server.MaxBodyBytes,
		logger:   logger.GetLogger().WithComponent("api"),
	}
	if cfg.Server.RateLimitRPS > 0 {
		burst := cfg.Server.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimitRPS), burst)
		s.logger.Info("Rate limiting enabled: %.2f req/s, burst %d", cfg.Server.RateLimitRPS, burst)
	}
	return s
}

// Router builds the gin engine serving every endpoint.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.requestLog())

	r.GET("/health", s.health)

	limited := r.Group("/", s.rateLimit(), s.bodyLimit())
	limited.GET("/v1/models", s.listModels)
	limited.POST("/v1/chat/completions", s.chatCompletions)
	limited.POST("/chat", s.chat)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse("no route for "+c.Request.Method+" "+c.Request.URL.Path, "not_found_error"))
	})
	return r
}
