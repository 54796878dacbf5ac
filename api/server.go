// Package api serves backtest results over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"backtester/backtest"
	"backtester/metrics"
)

// Store holds the result being served. A run may replace it while requests
// are in flight.
type Store struct {
	mu  sync.RWMutex
	res *backtest.Result
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the served result.
func (s *Store) Set(res *backtest.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res = res
}

// Get returns the served result, nil when none is loaded.
func (s *Store) Get() *backtest.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.res
}

type Server struct {
	engine  *gin.Engine
	server  *http.Server
	store   *Store
	metrics *metrics.Replay
	log     logrus.FieldLogger
}

// NewServer creates the HTTP server. A nil m disables /metrics.
func NewServer(store *Store, port int, m *metrics.Replay, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(loggerMiddleware(log))

	s := &Server{
		engine:  engine,
		store:   store,
		metrics: m,
		log:     log,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	handler := NewHandler(s.store)

	api := s.engine.Group("/api")
	{
		api.GET("/results", handler.GetResults)
		api.GET("/results/:symbol/summary", handler.GetSummary)
		api.GET("/results/:symbol/trades", handler.GetTrades)
		api.GET("/results/:symbol/pnl", handler.GetPnl)
		api.GET("/executions", handler.GetExecutions)
		api.GET("/equity", handler.GetEquity)
		api.GET("/equity.svg", handler.GetEquityChart)
	}

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "loaded": s.store.Get() != nil})
	})

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func loggerMiddleware(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
