package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gregtusar/koboldx/pkg/engine"
	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/gregtusar/koboldx/pkg/session"
	"github.com/gregtusar/koboldx/pkg/subscription"
	"github.com/sirupsen/logrus"
)

// StateSource is the read and command surface the API needs from the engine.
type StateSource interface {
	Snapshot() engine.State
	RequestSelection(ctx context.Context, sel models.Selection) (subscription.Delta, error)
}

type CounterSource interface {
	Snapshot() session.CountersSnapshot
}

type Server struct {
	state    StateSource
	counters CounterSource
	logger   logrus.FieldLogger
	port     int
	router   *gin.Engine
}

func NewServer(state StateSource, counters CounterSource, logger logrus.FieldLogger, port int) *Server {
	s := &Server{
		state:    state,
		counters: counters,
		logger:   logger.WithField("component", "api"),
		port:     port,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery(), corsMiddleware())

	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api/state", s.handleState)
	s.router.GET("/api/charts/:key", s.handleChart)
	s.router.GET("/api/chain", s.handleChain)
	s.router.GET("/api/orders", s.handleOrders)
	s.router.GET("/api/account", s.handleAccount)
	s.router.GET("/api/metrics", s.handleMetrics)
	s.router.POST("/api/selection", s.handleSelection)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %d", s.port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.state.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"connection": st.Connection.State,
		"seq":        st.Seq,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleChart(c *gin.Context) {
	key := c.Param("key")
	if _, _, err := models.ParseChartKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	series, ok := s.state.Snapshot().Charts[key]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no series for " + key})
		return
	}
	c.JSON(http.StatusOK, series)
}

func (s *Server) handleChain(c *gin.Context) {
	st := s.state.Snapshot()
	if st.Chain == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no option chain yet"})
		return
	}
	c.JSON(http.StatusOK, st.Chain)
}

func (s *Server) handleOrders(c *gin.Context) {
	orders := s.state.Snapshot().Orders
	if c.Query("open") != "true" {
		c.JSON(http.StatusOK, orders)
		return
	}
	c.JSON(http.StatusOK, models.OpenOrders(orders))
}

func (s *Server) handleAccount(c *gin.Context) {
	st := s.state.Snapshot()
	if st.Account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no account data yet"})
		return
	}
	c.JSON(http.StatusOK, st.Account)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.counters.Snapshot())
}

type selectionRequest struct {
	Stock     string   `json:"stock" binding:"required"`
	OptionKey *string  `json:"optionKey"`
	Intervals []string `json:"intervals"`
	Expiry    string   `json:"expiry"`
}

func (s *Server) handleSelection(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sel := models.Selection{
		Stock:     req.Stock,
		OptionKey: req.OptionKey,
		Intervals: req.Intervals,
		Expiry:    req.Expiry,
	}
	delta, err := s.state.RequestSelection(c.Request.Context(), sel)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSelection) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.WithError(err).Error("Failed to apply selection")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"subscribe":   delta.Subscribe,
		"unsubscribe": delta.Unsubscribe,
	})
}
