package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ember/relay/internal/invite"
	"ember/relay/internal/mailbox"
	"ember/relay/internal/metrics"
	"ember/relay/internal/ratelimit"
	"ember/relay/internal/room"
	"ember/relay/internal/totals"
	"ember/relay/internal/vault"
	"ember/relay/internal/ws"
)

// banner answers anything the router does not know. Probes learn only
// that something is listening.
const banner = "ember relay\n"

// Deps carries the process-wide state the server serves. Each store is
// its own lockable unit; the server adds no cross-store coordination.
type Deps struct {
	Rooms   *room.Registry
	Otm     *vault.Vault
	Files   *vault.Vault
	Invites *invite.Store
	Mailbox *mailbox.Queue
	Totals  *totals.Sink
}

// Server is the Echo application. Each rate-limit family counts in its
// own window; families never interact.
type Server struct {
	echo      *echo.Echo
	deps      Deps
	otmLimit  *ratelimit.Limiter
	fileLimit *ratelimit.Limiter
	chatLimit *ratelimit.Limiter
}

// New constructs the Echo app with REST and websocket routes.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		deps:      deps,
		otmLimit:  ratelimit.New(ratelimit.DefaultWindow, otmLimits()),
		fileLimit: ratelimit.New(ratelimit.DefaultWindow, fileLimits()),
		chatLimit: ratelimit.New(ratelimit.DefaultWindow, chatLimits()),
	}
	e.HTTPErrorHandler = s.errorHandler
	e.Pre(corsHeaders)
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", s.handleTotals)

	e.POST("/otm", s.handleOtmCreate, s.limit(s.otmLimit, actionOtmPost), middleware.BodyLimit(otmBodyLimit))
	e.GET("/otm/:id", s.handleOtmTake, s.limit(s.otmLimit, actionOtmGet))

	e.POST("/file", s.handleFileUpload, s.limit(s.fileLimit, actionFileUpload), middleware.BodyLimit(fileBodyLimit))
	e.GET("/file/:id", s.handleFileDownload, s.limit(s.fileLimit, actionFileDownload))

	e.POST("/chat/invite", s.handleInviteCreate, s.limit(s.chatLimit, actionChatInvite), middleware.BodyLimit(inviteBodyLimit))
	e.GET("/chat/invite/:id", s.handleInviteGet)
	e.POST("/chat/invite/:id/claim", s.handleInviteClaim, s.limit(s.chatLimit, actionChatInvite), middleware.BodyLimit(claimBodyLimit))

	e.POST("/chat/message", s.handleMessageSend, s.limit(s.chatLimit, actionChatMessage), middleware.BodyLimit(messageBodyLimit))
	e.GET("/chat/messages/:fingerprint", s.handleMessagesFetch)
	e.POST("/chat/messages/ack", s.handleMessagesAck, middleware.BodyLimit(ackBodyLimit))

	ws.NewHandler(s.deps.Rooms, s.deps.Mailbox, s.deps.Totals).Register(e)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

// Close stops the server's background bookkeeping. The stores passed in
// Deps stay open; their owner closes them.
func (s *Server) Close() {
	s.otmLimit.Stop()
	s.fileLimit.Stop()
	s.chatLimit.Stop()
}

// corsHeaders stamps the relay's permissive CORS policy on every
// response and short-circuits preflight.
func corsHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set(echo.HeaderAccessControlAllowOrigin, "*")
		h.Set(echo.HeaderAccessControlAllowMethods, "GET,POST,OPTIONS")
		h.Set(echo.HeaderAccessControlAllowHeaders, "Content-Type")
		if c.Request().Method == http.MethodOptions {
			return c.NoContent(http.StatusNoContent)
		}
		return next(c)
	}
}

// limit rejects requests over the fixed-window allowance for action,
// keyed by client address within the family's limiter.
func (s *Server) limit(l *ratelimit.Limiter, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := ratelimit.ClientIP(c.Request())
			if !l.Allow(ip, action) {
				metrics.RateLimited.Inc()
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate_limited")
			}
			return next(c)
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// knownLabels are the error strings clients dispatch on. Everything
// else collapses to a code-derived label so internals never leak.
var knownLabels = map[string]bool{
	"malformed_request":   true,
	"not_found":           true,
	"invite_exists":       true,
	"already_claimed":     true,
	"payload_too_large":   true,
	"rate_limited":        true,
	"metrics_disabled":    true,
	"metrics_read_failed": true,
	"internal_error":      true,
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	// Unknown paths and methods get the banner, not an error body.
	if errors.Is(err, echo.ErrNotFound) || errors.Is(err, echo.ErrMethodNotAllowed) {
		_ = c.String(http.StatusOK, banner)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code >= http.StatusInternalServerError {
			slog.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "status", he.Code, "err", err)
		}
		_ = c.JSON(he.Code, errorBody{Error: labelFor(he)})
		return
	}

	slog.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "err", err)
	_ = c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error"})
}

func labelFor(he *echo.HTTPError) string {
	if msg, ok := he.Message.(string); ok && knownLabels[msg] {
		return msg
	}
	switch he.Code {
	case http.StatusBadRequest:
		return "malformed_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// readBody drains the request body, keeping any HTTP error raised by
// the body-limit reader intact.
func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed_request")
	}
	return body, nil
}

func decodeJSON(c echo.Context, into any) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, into); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed_request")
	}
	return nil
}

type healthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	ChatSockets int    `json:"chatSockets"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Rooms:       s.deps.Rooms.Rooms(),
		ChatSockets: s.deps.Mailbox.Sessions(),
	})
}

func (s *Server) handleTotals(c echo.Context) error {
	snap, err := s.deps.Totals.Read(c.Request().Context())
	if err != nil {
		if errors.Is(err, totals.ErrDisabled) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "metrics_disabled")
		}
		slog.Error("totals read failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "metrics_read_failed")
	}
	return c.JSON(http.StatusOK, snap)
}
