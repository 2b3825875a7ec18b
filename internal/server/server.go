// Package server exposes the engine's admin HTTP API: strategy lifecycle,
// TWAP jobs, inventory, the trade journal, health and Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/marketmaking/inventory"
	"github.com/Aidin1998/mmcore/internal/marketmaking/journal"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	"github.com/Aidin1998/mmcore/internal/marketmaking/runtime"
	"github.com/Aidin1998/mmcore/internal/marketmaking/twap"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

// Server represents the admin HTTP server
type Server struct {
	logger    *zap.Logger
	manager   *runtime.Manager
	twap      *twap.Executor
	router    *router.Router
	inventory *inventory.Tracker
	journal   *journal.Journal

	// ctx outlives requests; strategy loops started over HTTP run under it
	ctx context.Context
}

// NewServer creates the admin server. ctx bounds the strategies it starts.
func NewServer(
	ctx context.Context,
	logger *zap.Logger,
	manager *runtime.Manager,
	executor *twap.Executor,
	r *router.Router,
	tracker *inventory.Tracker,
	j *journal.Journal,
) *Server {
	return &Server{
		logger:    logger.Named("server"),
		manager:   manager,
		twap:      executor,
		router:    r,
		inventory: tracker,
		journal:   j,
		ctx:       ctx,
	}
}

// Router creates the HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	// Strategy keys are symbols such as UBTC/USDC, sent URL-encoded.
	router.UseRawPath = true
	router.UnescapePathValues = true

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("mmengine"))
	router.Use(cors.Default())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		strategies := v1.Group("/strategies")
		{
			strategies.GET("", s.handleListStrategies)
			strategies.GET("/available", s.handleAvailableStrategies)
			strategies.POST("", s.handleStartStrategy)
			strategies.GET("/:key", s.handleGetStrategy)
			strategies.DELETE("/:key", s.handleStopStrategy)
		}

		jobs := v1.Group("/twap")
		{
			jobs.GET("", s.handleListTWAP)
			jobs.POST("", s.handleCreateTWAP)
			jobs.DELETE("/completed", s.handleCleanTWAP)
			jobs.GET("/:id", s.handleGetTWAP)
			jobs.POST("/:id/start", s.handleStartTWAP)
			jobs.POST("/:id/stop", s.handleStopTWAP)
		}

		v1.GET("/inventory", s.handleInventory)
		v1.GET("/trades", s.handleTrades)
	}

	router.NoRoute(func(c *gin.Context) {
		s.problem(c, mmerrors.NotFound.Explain("no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})
	return router
}

// problem writes err as an RFC 7807 response
func (s *Server) problem(c *gin.Context, err error) {
	p := mmerrors.ToProblem(err, c.Request.URL.Path)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}

func (s *Server) handleHealth(c *gin.Context) {
	venues := s.router.ConnectionStatus()
	status := "ok"
	for _, up := range venues {
		if !up {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"venues":     venues,
		"strategies": len(s.manager.List()),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

type startStrategyRequest struct {
	Name   string         `json:"name" binding:"required"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleStartStrategy(c *gin.Context) {
	var req startStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, mmerrors.Validation.Explain("invalid request body: %v", err))
		return
	}
	key, err := s.manager.Start(s.ctx, req.Name, req.Params)
	if err != nil {
		s.problem(c, err)
		return
	}
	st, _ := s.manager.Status(key)
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleListStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.manager.List()})
}

func (s *Server) handleAvailableStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.manager.Registry().Available()})
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	st, err := s.manager.Status(c.Param("key"))
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStopStrategy(c *gin.Context) {
	key := c.Param("key")
	stopped, err := s.manager.Stop(key)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "stopped": stopped})
}

type createTWAPRequest struct {
	twap.Params
	Start bool `json:"start"`
}

func (s *Server) handleCreateTWAP(c *gin.Context) {
	var req createTWAPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, mmerrors.Validation.Explain("invalid request body: %v", err))
		return
	}
	id, err := s.twap.Create(req.Params)
	if err != nil {
		s.problem(c, err)
		return
	}
	if req.Start {
		if err := s.twap.Start(id); err != nil {
			s.problem(c, err)
			return
		}
	}
	st, _ := s.twap.Status(id)
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleListTWAP(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.twap.List()})
}

func (s *Server) handleGetTWAP(c *gin.Context) {
	st, err := s.twap.Status(c.Param("id"))
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStartTWAP(c *gin.Context) {
	s.twapAction(c, s.twap.Start)
}

func (s *Server) handleStopTWAP(c *gin.Context) {
	s.twapAction(c, s.twap.Stop)
}

func (s *Server) twapAction(c *gin.Context, action func(string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		s.problem(c, err)
		return
	}
	st, err := s.twap.Status(id)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleCleanTWAP(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": s.twap.CleanCompleted()})
}

func (s *Server) handleInventory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"balances":  s.inventory.Snapshot(),
		"in_flight": s.inventory.InFlightTrades(),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	records := s.journal.Records(c.Query("strategy"))
	c.JSON(http.StatusOK, gin.H{
		"trades": records,
		"stats":  journal.Stats(records),
	})
}
