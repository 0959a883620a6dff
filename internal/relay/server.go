package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// fingerprintRe matches the only room identifier the relay accepts:
// exactly 16 lowercase hex characters.
var fingerprintRe = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Server is the Echo application exposing the relay's HTTP surface.
type Server struct {
	echo     *echo.Echo
	registry *Registry
	log      *slog.Logger
}

// New constructs the Echo app and registers all routes.
func New(registry *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	// Browser clients reach the relay through the tunnel from arbitrary
	// origins; the OPTIONS preflight is answered by this middleware.
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
		MaxAge:       3600,
	}))

	s := &Server{echo: e, registry: registry, log: logger}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/room", s.handleCreateRoom)
	s.echo.POST("/room/:hash/join", s.handleJoin)
	s.echo.POST("/room/:hash/send", s.handleSend)
	s.echo.GET("/room/:hash/poll", s.handlePoll)
	s.echo.POST("/room/:hash/leave", s.handleLeave)
	s.echo.GET("/room/:hash/info", s.handleInfo)
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
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

// clientIP extracts the rate-limiting key for a request:
// X-Forwarded-For (first token) → X-Real-IP → peer address → "unknown".
// "unknown" degrades all unattributable clients into one shared bucket.
func clientIP(c echo.Context) string {
	if xff := c.Request().Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := c.Request().Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(c.Request().RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown"
}

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type healthResponse struct {
	Status    string  `json:"status"`
	Rooms     int     `json:"rooms"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Rooms:     s.registry.RoomCount(),
		Timestamp: s.registry.nowUnix(),
	})
}

type createRoomRequest struct {
	RoomHash string `json:"room_hash"`
	Mode     string `json:"mode"`
}

type createRoomResponse struct {
	RoomHash  string   `json:"room_hash"`
	Mode      string   `json:"mode"`
	CreatedAt float64  `json:"created_at"`
	ExpiresAt float64  `json:"expires_at"`
	MemberID  string   `json:"member_id"`
	Members   []string `json:"members"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	ip := clientIP(c)
	if allowed, retryAfter := s.registry.Limiter().Check(ip); !allowed {
		return c.JSON(http.StatusTooManyRequests, errorResponse{
			Error:      "rate_limited",
			RetryAfter: retryAfter,
		})
	}

	var req createRoomRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_json"})
	}
	if !fingerprintRe.MatchString(req.RoomHash) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_room_hash"})
	}
	if req.Mode != "rotating" && req.Mode != "fixed" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_mode"})
	}

	snap, memberID, err := s.registry.Create(req.RoomHash, req.Mode)
	if errors.Is(err, ErrRoomExists) {
		return c.JSON(http.StatusConflict, errorResponse{Error: "room_exists"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal"})
	}

	return c.JSON(http.StatusOK, createRoomResponse{
		RoomHash:  snap.RoomHash,
		Mode:      snap.Mode,
		CreatedAt: snap.CreatedAt,
		ExpiresAt: snap.ExpiresAt,
		MemberID:  memberID,
		Members:   snap.Members,
	})
}

type joinRequest struct {
	Nickname string `json:"nickname"`
}

type joinResponse struct {
	RoomHash      string   `json:"room_hash"`
	Mode          string   `json:"mode"`
	CreatedAt     float64  `json:"created_at"`
	ExpiresAt     float64  `json:"expires_at"`
	MemberID      string   `json:"member_id"`
	Members       []string `json:"members"`
	MessageCount  int      `json:"message_count"`
	LastMessageTS float64  `json:"last_message_ts"`
}

func (s *Server) handleJoin(c echo.Context) error {
	// A missing or malformed body is tolerated; the nickname just
	// defaults.
	var req joinRequest
	_ = c.Bind(&req)

	snap, memberID, err := s.registry.Join(c.Param("hash"), req.Nickname)
	if errors.Is(err, ErrRoomNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "room_not_found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal"})
	}

	s.registry.Limiter().Reset(clientIP(c))

	return c.JSON(http.StatusOK, joinResponse{
		RoomHash:      snap.RoomHash,
		Mode:          snap.Mode,
		CreatedAt:     snap.CreatedAt,
		ExpiresAt:     snap.ExpiresAt,
		MemberID:      memberID,
		Members:       snap.Members,
		MessageCount:  snap.MessageCount,
		LastMessageTS: snap.LastMessageTS,
	})
}

type sendRequest struct {
	Content  string `json:"content"`
	Sender   string `json:"sender"`
	MemberID string `json:"member_id"`
}

type sendResponse struct {
	ID        string  `json:"id"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) handleSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_json"})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "missing_content"})
	}
	sender := req.Sender
	if sender == "" {
		sender = "anon"
	}

	msg, err := s.registry.Append(c.Param("hash"), req.Content, sender, req.MemberID)
	if errors.Is(err, ErrRoomNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "room_not_found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal"})
	}

	return c.JSON(http.StatusOK, sendResponse{ID: msg.ID, Timestamp: msg.Timestamp})
}

type pollResponse struct {
	Messages     []Message `json:"messages"`
	Members      []string  `json:"members"`
	ExpiresAt    float64   `json:"expires_at"`
	MessageCount int       `json:"message_count"`
}

func (s *Server) handlePoll(c echo.Context) error {
	since, err := strconv.ParseFloat(c.QueryParam("since"), 64)
	if err != nil {
		since = 0
	}

	res, pollErr := s.registry.Poll(c.Param("hash"), since)
	if errors.Is(pollErr, ErrRoomNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "room_not_found"})
	}
	if pollErr != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal"})
	}

	if res.Messages == nil {
		res.Messages = []Message{}
	}
	return c.JSON(http.StatusOK, pollResponse{
		Messages:     res.Messages,
		Members:      res.Members,
		ExpiresAt:    res.ExpiresAt,
		MessageCount: res.MessageCount,
	})
}

type leaveRequest struct {
	MemberID string `json:"member_id"`
}

type leaveResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleLeave(c echo.Context) error {
	var req leaveRequest
	_ = c.Bind(&req)

	err := s.registry.Leave(c.Param("hash"), req.MemberID)
	if errors.Is(err, ErrRoomNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "room_not_found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal"})
	}
	return c.JSON(http.StatusOK, leaveResponse{Status: "left"})
}

type infoResponse struct {
	RoomHash      string   `json:"room_hash"`
	Mode          string   `json:"mode"`
	CreatedAt     float64  `json:"created_at"`
	ExpiresAt     float64  `json:"expires_at"`
	Members       []string `json:"members"`
	MessageCount  int      `json:"message_count"`
	TimeRemaining int      `json:"time_remaining"`
}

func (s *Server) handleInfo(c echo.Context) error {
	snap, err := s.registry.Info(c.Param("hash"))
	if errors.Is(err, ErrRoomNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "room_not_found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal"})
	}

	return c.JSON(http.StatusOK, infoResponse{
		RoomHash:      snap.RoomHash,
		Mode:          snap.Mode,
		CreatedAt:     snap.CreatedAt,
		ExpiresAt:     snap.ExpiresAt,
		Members:       snap.Members,
		MessageCount:  snap.MessageCount,
		TimeRemaining: snap.TimeRemaining,
	})
}
