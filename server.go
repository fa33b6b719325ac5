package audioengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/groovelab/audioengine/internal/audio"
	"github.com/groovelab/audioengine/internal/delivery"
	"github.com/groovelab/audioengine/internal/routing"
	"github.com/groovelab/audioengine/internal/usage"
)

const (
	maxWorkflowBytes   = 1 << 20
	shutdownTimeout    = 5 * time.Second
	defaultPredictions = 5
	maxPredictions     = 50
)

// Gatherer combines the metric registries of every component
var Gatherer = prometheus.Gatherers{
	audio.Registry,
	routing.Registry,
	usage.Registry,
	delivery.Registry,
}

// MetricsHandler returns the HTTP handler for /metrics
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Server exposes the engine over HTTP
type Server struct {
	engine *Engine
	router *gin.Engine
	logger zerolog.Logger

	// OriginPatterns are host patterns allowed to open /events from a browser
	OriginPatterns []string

	httpServer *http.Server
}

// NewServer builds the router for engine
func NewServer(engine *Engine, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: engine,
		router: gin.New(),
		logger: logger.With().Str("component", "http-server").Logger(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/metrics", gin.WrapH(MetricsHandler()))
	s.router.GET("/snapshot", s.handleSnapshot)
	s.router.GET("/events", s.handleEvents)
	s.router.GET("/quality", s.handleGetQuality)
	s.router.PUT("/quality", s.handlePutQuality)
	s.router.POST("/control/:method", s.handleControl)
	s.router.POST("/workflows", s.handleWorkflow)
	s.router.GET("/routes", s.handleRoutes)
	s.router.DELETE("/routes/history", s.handleClearHistory)
	s.router.POST("/reset", s.handleReset)
	s.router.GET("/usage", s.handleUsage)
	s.router.GET("/usage/predictions", s.handlePredictions)
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http server shutdown")
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	}
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error()}
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleGetQuality(c *gin.Context) {
	scaler := s.engine.Scaler
	c.JSON(http.StatusOK, gin.H{
		"configuration":   scaler.CurrentConfiguration(),
		"emergency":       scaler.IsEmergency(),
		"emergencyReason": scaler.EmergencyReason(),
		"preferences":     scaler.Preferences(),
		"lastDecision":    scaler.LastDecision(),
	})
}

func (s *Server) handlePutQuality(c *gin.Context) {
	var params map[string]interface{}
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	result, err := handleSetQuality(s.engine.Scaler, params)
	if err != nil {
		c.JSON(controlStatus(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleControl(c *gin.Context) {
	params := map[string]interface{}{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
	}
	result, err := handleControlDirect(s.engine.Scaler, c.Param("method"), params)
	if err != nil {
		c.JSON(controlStatus(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownMethod):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrEmergencyActive):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleWorkflow(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWorkflowBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	if len(raw) > maxWorkflowBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "workflow payload too large"})
		return
	}
	result := s.engine.Orchestrator.ProcessWorkflow(c.Request.Context(), raw)
	status := http.StatusOK
	if len(result.ProcessedAssets) == 0 && len(result.PayloadErrors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (s *Server) handleRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"routes":  s.engine.Registry.Routes(),
		"metrics": s.engine.Registry.Metrics(),
	})
}

func (s *Server) handleClearHistory(c *gin.Context) {
	s.engine.Orchestrator.ClearRoutingHistory()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUsage(c *gin.Context) {
	runs, _ := s.engine.Scheduler.Runs()
	c.JSON(http.StatusOK, gin.H{
		"analysis":     s.engine.Analyzer.LastResult(),
		"patterns":     len(s.engine.Analyzer.Patterns()),
		"analysisRuns": runs,
		"nextAnalysis": s.engine.Scheduler.Next(),
	})
}

func (s *Server) handlePredictions(c *gin.Context) {
	current := c.Query("current")
	if current == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "current is required"})
		return
	}
	n := defaultPredictions
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxPredictions {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("n must be between 1 and %d", maxPredictions)})
			return
		}
		n = v
	}
	c.JSON(http.StatusOK, gin.H{
		"current":     current,
		"predictions": s.engine.Analyzer.PredictNextAccesses(current, n),
	})
}

func (s *Server) handleReset(c *gin.Context) {
	s.engine.Reset()
	c.Status(http.StatusNoContent)
}

// handleEvents upgrades to a websocket and streams engine events until the peer goes away
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	connectionID := uuid.NewString()
	// events are write-only; CloseRead handles control frames and reports disconnects
	ctx := conn.CloseRead(c.Request.Context())

	s.engine.Broadcaster.Subscribe(ctx, connectionID, conn)
	defer s.engine.Broadcaster.Unsubscribe(connectionID)

	<-ctx.Done()
}
