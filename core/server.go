package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// StopRequest asks the server to cancel one in-flight conversation command.
type StopRequest struct {
	ExecutionID string `json:"executionId"`
}

// StopResponse reports the outcome of a StopRequest.
type StopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stopped bool   `json:"stopped"`
}

// Server owns every component of the gateway and exposes them over HTTP.
type Server struct {
	dispatcher   *EventDispatcher
	conversation *ConversationService
	history      HistoryStore
	parser       IntentParser
	generator    ResponseGenerator
	cache        IntentCache
	executions   *ExecutionTracker
	config       *Config
	logger       *logrus.Logger
}

// NewServer creates a new server instance with all dependencies initialized.
func NewServer(config *Config, logger *logrus.Logger) (*Server, error) {
	logger.Info("Starting server initialization")

	mapping, err := LoadIntentMapping(config.IntentConfigPath, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to load intent configuration")
		return nil, fmt.Errorf("failed to load intent configuration: %w", err)
	}

	cache, err := NewIntentCache(config.IntentCache,
		WithCacheTTL(config.IntentCacheTTL),
		WithCleanupInterval(config.CleanupInterval),
		WithRedisOptions(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		}),
		WithCacheLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize intent cache")
		return nil, fmt.Errorf("failed to initialize intent cache: %w", err)
	}
	logger.WithField("intentCache", config.IntentCache).Info("Intent cache initialized")

	parser := NewWitIntentParser(WitParserOptions{
		AccessToken:         config.WitAccessToken,
		BaseURL:             config.WitBaseURL,
		Timeout:             config.IntentParserTimeout,
		ConfidenceThreshold: config.IntentConfidenceThreshold,
		Mapping:             mapping,
		Cache:               cache,
		LogTruncateLength:   config.LogTruncateLength,
	}, logger)

	generator, err := NewResponseGenerator(config, logger)
	if err != nil {
		if cache != nil {
			_ = cache.Close()
		}
		logger.WithError(err).Error("Failed to initialize response generator")
		return nil, fmt.Errorf("failed to initialize response generator: %w", err)
	}
	logger.WithField("generator", generator.Version()).Info("Response generator initialized")

	server := newServerFromParts(config, logger, parser, generator)
	server.cache = cache

	logger.Info("Server initialization completed successfully")
	return server, nil
}

// newServerFromParts assembles a server around existing collaborators.
func newServerFromParts(config *Config, logger *logrus.Logger, parser IntentParser, generator ResponseGenerator) *Server {
	history := NewMemoryHistoryStore(logger)
	executions := NewExecutionTracker()
	conversation := NewConversationService(parser, generator, history, logger,
		WithConfidenceThreshold(config.IntentConfidenceThreshold),
		WithContextLimit(config.ContextLimit),
		WithExecutionTracker(executions),
		WithLogTruncateLength(config.LogTruncateLength),
	)
	dispatcher := NewEventDispatcher(logger,
		WithConnectionHook(WelcomeHook(config.WelcomeMessage)),
		WithMaxInFlight(config.MaxInFlightPerConnection),
		WithMaxMessageBytes(config.MaxMessageBytes),
		WithWriteTimeout(config.WriteTimeout),
	)
	RegisterConversationEvents(dispatcher, conversation)

	return &Server{
		dispatcher:   dispatcher,
		conversation: conversation,
		history:      history,
		parser:       parser,
		generator:    generator,
		executions:   executions,
		config:       config,
		logger:       logger,
	}
}

// handleStatus reports connection, history and execution counters.
func (s *Server) handleStatus(c echo.Context) error {
	requestLogger := s.logger.WithFields(logrus.Fields{
		"endpoint": "/status",
		"method":   "GET",
		"clientIP": c.RealIP(),
	})

	requestLogger.Debug("Status requested")

	historyStats := s.history.Stats()
	activeExecutions := s.executions.Active()

	response := map[string]interface{}{
		"status":           "running",
		"connections":      s.dispatcher.ActiveConnections(),
		"history":          historyStats,
		"activeExecutions": activeExecutions,
		"executionCount":   len(activeExecutions),
	}

	requestLogger.WithFields(logrus.Fields{
		"activeExecutions": len(activeExecutions),
		"sessions":         historyStats.TotalSessions,
	}).Debug("Status check completed")

	return c.JSON(http.StatusOK, response)
}

// handleHealth probes the intent parser and the response generator.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	parser := ComponentHealth{Healthy: s.parser.IsHealthy(ctx), Version: s.parser.Version()}
	generator := ComponentHealth{Healthy: s.generator.IsHealthy(ctx), Version: s.generator.Version()}

	status, code := "healthy", http.StatusOK
	if !parser.Healthy || !generator.Healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	s.logger.WithFields(logrus.Fields{
		"endpoint":         "/health",
		"parserHealthy":    parser.Healthy,
		"generatorHealthy": generator.Healthy,
	}).Debug("Health check completed")

	return c.JSON(code, map[string]interface{}{
		"status":        status,
		"intentParser":  parser,
		"responseModel": generator,
	})
}

// handleGetHistory returns the stored turns of one session.
func (s *Server) handleGetHistory(c echo.Context) error {
	sessionID := c.Param("sessionId")
	userID := c.QueryParam("userId")

	requestLogger := s.logger.WithFields(logrus.Fields{
		"endpoint":  "/sessions/:sessionId/history",
		"method":    "GET",
		"sessionID": sessionID,
		"clientIP":  c.RealIP(),
	})

	if sessionID == "" {
		requestLogger.Error("Empty session ID in history request")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Session ID required"})
	}

	messages := s.conversation.GetConversationHistory(c.Request().Context(), sessionID, userID)
	requestLogger.WithField("messageCount", len(messages)).Debug("History retrieved")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"messages":  messages,
	})
}

// handleStopExecution cancels one in-flight conversation command. The
// command still completes with an apology or fallback reply.
func (s *Server) handleStopExecution(c echo.Context) error {
	requestLogger := s.logger.WithFields(logrus.Fields{
		"endpoint": "/stop",
		"method":   "POST",
		"clientIP": c.RealIP(),
	})

	var req StopRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse stop request body")
		return c.JSON(http.StatusBadRequest, StopResponse{
			Success: false,
			Message: "Invalid request format",
		})
	}

	if req.ExecutionID == "" {
		requestLogger.Error("Empty execution ID in stop request")
		return c.JSON(http.StatusBadRequest, StopResponse{
			Success: false,
			Message: "Execution ID is required",
		})
	}

	if s.executions.Cancel(req.ExecutionID) {
		requestLogger.WithField("executionID", req.ExecutionID).Info("Execution stopped successfully")
		return c.JSON(http.StatusOK, StopResponse{
			Success: true,
			Message: "Execution stopped successfully",
			Stopped: true,
		})
	}

	requestLogger.WithField("executionID", req.ExecutionID).Warn("Execution not found or already completed")
	return c.JSON(http.StatusNotFound, StopResponse{
		Success: false,
		Message: "Execution not found or already completed",
	})
}

// RegisterRoutes registers all HTTP routes for the server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	s.logger.Info("Registering routes")

	e.GET("/ws", echo.WrapHandler(s.dispatcher))
	e.GET("/status", s.handleStatus)
	e.GET("/health", s.handleHealth)
	e.GET("/sessions/:sessionId/history", s.handleGetHistory)
	e.POST("/stop", s.handleStopExecution)

	s.logger.Info("Routes registered successfully")
}

// Shutdown closes every WebSocket connection, cancels in-flight commands and
// releases the intent cache.
func (s *Server) Shutdown(_ context.Context) error {
	s.dispatcher.Close()

	if cancelled := s.executions.CancelAll(); cancelled > 0 {
		s.logger.WithField("cancelledExecutions", cancelled).Warn("Cancelled in-flight conversation commands")
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close intent cache")
			return fmt.Errorf("close intent cache: %w", err)
		}
	}
	return nil
}
