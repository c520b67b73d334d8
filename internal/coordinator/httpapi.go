package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"cuemesh/internal/cue"
	"cuemesh/internal/protocol"
	"cuemesh/internal/session"
)

// Server is the Echo application exposing the websocket control channel
// and the operator command API (spec §6.5). Handlers call directly into
// session.Manager; this package is the GUI-facing seam spec §9 requires
// the core to have no dependency on.
//
// Grounded on _examples/rustyguts-bken/server/internal/httpapi/server.go
// (Echo construction, middleware, graceful Run/Shutdown) and
// original_source/controller/server.py's accept_client/reject_client/
// send_load_cue/broadcast_accepted command methods.
type Server struct {
	echo *echo.Echo

	coordinatorID string
	manager       *session.Manager
	ws            *WSHandler

	mu   sync.RWMutex
	show *cue.Show
}

// New constructs an Echo app with the websocket route and the operator
// REST API registered.
func New(coordinatorID string, manager *session.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:          e,
		coordinatorID: coordinatorID,
		manager:       manager,
		ws:            NewWSHandler(coordinatorID, manager),
	}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// SetShow installs the active show, making its cues addressable by
// /api/v1/cues/load and /cues/play. Safe to call while the server is
// already serving requests (the operator "load show" action).
func (s *Server) SetShow(show *cue.Show) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.show = show
}

func (s *Server) currentShow() *cue.Show {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.show
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.ws.Register(s.echo)

	api := s.echo.Group("/api/v1")
	api.GET("/sessions", s.handleListSessions)
	api.POST("/sessions/:id/accept", s.handleAcceptSession)
	api.POST("/sessions/:id/reject", s.handleRejectSession)
	api.POST("/cues/load", s.handleLoadCue)
	api.POST("/cues/play", s.handlePlayCue)
	api.POST("/pause", s.handlePause)
	api.POST("/stop", s.handleStop)
	api.POST("/blackout", s.handleBlackout)
	api.GET("/status", s.handleListSessions)
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
		slog.Info("shutting down coordinator http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("coordinator http server stopped")
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"coordinator_id": s.coordinatorID,
	})
}

func (s *Server) handleListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Snapshots())
}

type acceptRequest struct {
	AssignedName string `json:"assigned_name"`
}

func (s *Server) handleAcceptSession(c echo.Context) error {
	agentID := c.Param("id")
	var req acceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
	}
	payload, err := s.manager.Accept(c.Request().Context(), agentID, req.AssignedName)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, payload)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectSession(c echo.Context) error {
	agentID := c.Param("id")
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
	}
	if err := s.manager.Reject(agentID, req.Reason); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type cueIDRequest struct {
	CueID string `json:"cue_id"`
}

func (s *Server) handleLoadCue(c echo.Context) error {
	var req cueIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
	}
	show := s.currentShow()
	if show == nil {
		return echo.NewHTTPError(http.StatusConflict, "no show is loaded")
	}
	cueRec, ok := findCue(show, req.CueID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown cue %q", req.CueID))
	}
	s.manager.Dispatch(protocol.TypeLoadCue, protocol.LoadCuePayload{
		CueID:        cueRec.ID,
		Type:         cueRec.Type,
		AssetRelpath: cueRec.File,
		StartTimeMs:  cueRec.StartTimeMs,
		Volume:       cueRec.Volume,
		Loop:         cueRec.Loop,
		FadeInMs:     cueRec.FadeInMs,
		FadeOutMs:    cueRec.FadeOutMs,
		EndTimeMs:    cueRec.EndTimeMs,
	})
	return c.NoContent(http.StatusAccepted)
}

type playCueResponse struct {
	CueID            string `json:"cue_id"`
	MasterStartUtcMs int64  `json:"master_start_utc_ms"`
}

func (s *Server) handlePlayCue(c echo.Context) error {
	var req cueIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
	}
	show := s.currentShow()
	if show == nil {
		return echo.NewHTTPError(http.StatusConflict, "no show is loaded")
	}
	cueRec, ok := findCue(show, req.CueID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown cue %q", req.CueID))
	}
	masterStart := s.manager.SendPlayAt(cueRec.ID, int64(show.Sync.StartLeadMs), cueRec.StartTimeMs)
	return c.JSON(http.StatusOK, playCueResponse{CueID: cueRec.ID, MasterStartUtcMs: masterStart})
}

func (s *Server) handlePause(c echo.Context) error {
	s.manager.Dispatch(protocol.TypePause, struct{}{})
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleStop(c echo.Context) error {
	s.manager.Dispatch(protocol.TypeStop, struct{}{})
	return c.NoContent(http.StatusAccepted)
}

type blackoutRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleBlackout(c echo.Context) error {
	var req blackoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
	}
	s.manager.Dispatch(protocol.TypeBlackout, protocol.BlackoutPayload{On: req.On})
	return c.NoContent(http.StatusAccepted)
}

func findCue(show *cue.Show, cueID string) (cue.Cue, bool) {
	for _, c := range show.Cues {
		if c.ID == cueID {
			return c, true
		}
	}
	return cue.Cue{}, false
}
