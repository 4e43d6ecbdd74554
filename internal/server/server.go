package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"gemini-bridge/internal/config"
	"gemini-bridge/internal/metrics"
	"gemini-bridge/internal/provider"
	"gemini-bridge/internal/router"
	"gemini-bridge/internal/translator"
)

const (
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeoutSlack   = 15 * time.Second
	idleTimeout         = 120 * time.Second
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeAPI            = "api_error"
	errTypeRateLimit      = "rate_limit_error"
	errTypeInternal       = "internal_server_error"
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	app     *echo.Echo
	logger  *slog.Logger
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, logger *slog.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		logger:  logger,
		address: cfg.Server.Address(),
	}
	e.HTTPErrorHandler = srv.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(metrics.Middleware())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.CORS.Origins,
		AllowMethods: cfg.Server.CORS.Methods,
		AllowHeaders: cfg.Server.CORS.Headers,
	}))
	if rl := cfg.Server.RateLimit; rl.Enabled {
		e.Use(newRateLimiter(rl))
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.printStartupBanner()
	s.logger.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.Upstream.Timeout + writeTimeoutSlack,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// ServeHTTP lets the server be mounted or exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.app.GET("/v1/models", s.handleListModels)
	s.app.GET("/v1/models/:id", s.handleGetModel)
	s.app.GET("/v1/personas", s.handleListPersonas)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Welcome to " + s.cfg.API.Title,
		"version": s.cfg.API.Version,
		"models":  "/v1/models",
		"health":  "/health",
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": s.cfg.API.Title,
	})
}

func (s *Server) handleListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, s.router.Models())
}

func (s *Server) handleGetModel(c echo.Context) error {
	id := c.Param("id")
	info, ok := s.router.Model(id)
	if !ok {
		return requestError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("Model '%s' not found", id),
			Type:    errTypeInvalidRequest,
		}
	}
	return c.JSON(http.StatusOK, info)
}

type personaEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type personaList struct {
	Object string         `json:"object"`
	Data   []personaEntry `json:"data"`
}

func (s *Server) handleListPersonas(c echo.Context) error {
	personas := s.router.Personas()
	out := personaList{Object: "list", Data: make([]personaEntry, 0, len(personas))}
	for _, p := range personas {
		out.Data = append(out.Data, personaEntry{ID: p.ID, Name: p.Name})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	if n := req.Choices(); n > 1 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("n=%d is not supported; only a single choice is generated", n),
			Type:    errTypeInvalidRequest,
		}
	}

	resp, err := s.router.Chat(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err, req.Model)
	}

	if req.Stream {
		return s.writeChatStream(c, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) decodeRequestBody(c echo.Context, target any) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.cfg.Server.BodyLimitBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    errTypeInvalidRequest,
			}
		case errors.As(err, &maxErr):
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
				Type:    errTypeInvalidRequest,
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid request payload: %v", err),
			Type:    errTypeInvalidRequest,
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    errTypeInvalidRequest,
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

func writeError(c echo.Context, status int, message, errType string) error {
	return c.JSON(status, translator.TranslateError(message, errType, status))
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		errType := errTypeInvalidRequest
		if he.Code == http.StatusTooManyRequests {
			errType = errTypeRateLimit
		} else if he.Code >= http.StatusInternalServerError {
			errType = errTypeAPI
		}
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), errType)
		return
	}

	s.logger.Error("unhandled error", "method", c.Request().Method, "uri", c.Request().RequestURI, "err", err)
	_ = writeError(c, http.StatusInternalServerError, "Internal server error", errTypeInternal)
}

// toHTTPError maps an upstream failure onto the status and body sent to the
// client. Details beyond the fixed messages stay in the logs.
func toHTTPError(err error, requestedModel string) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if isTimeout(err) {
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "Upstream request timed out",
			Type:    errTypeAPI,
		}
	}

	switch provider.KindOf(err) {
	case provider.KindUnauthenticated:
		return requestError{
			Status:  http.StatusUnauthorized,
			Message: "Authentication with Gemini failed",
			Type:    errTypeAuthentication,
		}
	case provider.KindRateLimited:
		return requestError{
			Status:  http.StatusTooManyRequests,
			Message: "Rate limit exceeded",
			Type:    errTypeAPI,
		}
	case provider.KindModelUnavailable:
		return requestError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("Model '%s' not available", requestedModel),
			Type:    errTypeAPI,
		}
	case provider.KindInvalidRequest:
		message := err.Error()
		var upstreamErr *provider.Error
		if errors.As(err, &upstreamErr) && upstreamErr.Detail != "" {
			message = upstreamErr.Detail
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: message,
			Type:    errTypeInvalidRequest,
		}
	default:
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "Failed to generate completion",
			Type:    errTypeAPI,
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newRateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		Burst:     cfg.Requests,
		ExpiresIn: cfg.Window,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return requestError{
				Status:  http.StatusForbidden,
				Message: "unable to identify client",
				Type:    errTypeInvalidRequest,
			}
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return requestError{
				Status:  http.StatusTooManyRequests,
				Message: "Rate limit exceeded",
				Type:    errTypeRateLimit,
			}
		},
	})
}

// writeChatStream sends a complete response as server-sent events: one chunk
// with the content, one with the finish reason, then the [DONE] marker.
func (s *Server) writeChatStream(c echo.Context, resp translator.ChatCompletionResponse) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		s.logger.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    errTypeInternal,
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	c.Response().WriteHeader(http.StatusOK)

	for _, chunk := range translator.ChunksFromResponse(resp) {
		if err := writeSSEData(c.Response(), chunk); err != nil {
			s.logger.Error("failed to write SSE chunk", "id", resp.ID, "err", err)
			return err
		}
		flusher.Flush()
	}

	if _, err := io.WriteString(c.Response(), "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write SSE terminator: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func (s *Server) printStartupBanner() {
	host := s.cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	base := "http://" + net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.Port))

	fmt.Println()
	fmt.Printf("%s %s ready\n", s.cfg.API.Title, s.cfg.API.Version)
	fmt.Printf("Listening on %s\n", base)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  GET  /v1/personas")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("Example:\n  curl %s/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", base)
}
