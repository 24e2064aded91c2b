// Package statusapi exposes a local HTTP introspection and administration
// surface (SPEC_FULL.md §11/§12): node identity, device registry, route
// CRUD, and statistics — including the explicit reset operation spec.md
// §3 requires. It is grounded on
// `server/internal/httpapi/server.go`'s Echo app construction
// (`echo.New()`, `HideBanner`/`HidePort`, `middleware.Recover()`, a
// slog-based request logger) generalized from a voice-room's REST surface
// to a mesh node's.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"midimesh/internal/device"
	"midimesh/internal/mesh"
	"midimesh/internal/nodeid"
	"midimesh/internal/route"
	"midimesh/internal/router"
	"midimesh/internal/stats"
)

// Server is the Echo application backing the local status API.
type Server struct {
	echo    *echo.Echo
	self    nodeid.NodeId
	version string

	devices *device.Registry
	rules   *route.Manager
	engine  *router.Engine
	meshMgr *mesh.Manager
	metrics *stats.Metrics
}

// New constructs the Echo app and registers every route. metrics may be
// nil, in which case /metrics is not registered.
func New(self nodeid.NodeId, version string, devices *device.Registry, rules *route.Manager, engine *router.Engine, meshMgr *mesh.Manager, metrics *stats.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:    e,
		self:    self,
		version: version,
		devices: devices,
		rules:   rules,
		engine:  engine,
		meshMgr: meshMgr,
		metrics: metrics,
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
			slog.Debug("status api request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/devices", s.handleDevices)
	s.echo.GET("/routes", s.handleRoutesList)
	s.echo.POST("/routes", s.handleRouteAdd)
	s.echo.DELETE("/routes/:id", s.handleRouteRemove)
	s.echo.POST("/routes/:id/enabled", s.handleRouteSetEnabled)
	s.echo.GET("/stats", s.handleStats)
	s.echo.POST("/stats/reset", s.handleStatsReset)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure,
// mirroring the teacher's Server.Run.
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
		slog.Info("shutting down status api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	NodeId string `json:"node_id"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", NodeId: s.self.String()})
}

type connectionInfo struct {
	RemoteNode string `json:"remote_node"`
	State      string `json:"state"`
}

type statusResponse struct {
	NodeId      string           `json:"node_id"`
	Version     string           `json:"version"`
	Connections []connectionInfo `json:"connections"`
}

func (s *Server) handleStatus(c echo.Context) error {
	var conns []connectionInfo
	if s.meshMgr != nil {
		for _, conn := range s.meshMgr.Connections() {
			conns = append(conns, connectionInfo{
				RemoteNode: conn.GetRemoteNode().String(),
				State:      conn.GetState().String(),
			})
		}
	}
	return c.JSON(http.StatusOK, statusResponse{
		NodeId:      s.self.String(),
		Version:     s.version,
		Connections: conns,
	})
}

func (s *Server) handleDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.devices.All())
}

func (s *Server) handleRoutesList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.rules.All())
}

type routeRequest struct {
	Priority      int    `json:"priority"`
	SourceNode    string `json:"source_node"`
	SourceDevice  uint16 `json:"source_device"`
	DestNode      string `json:"dest_node"`
	DestDevice    uint16 `json:"dest_device"`
	ChannelFilter int    `json:"channel_filter"`
	TypeMask      uint8  `json:"type_mask"`
}

func (s *Server) handleRouteAdd(c echo.Context) error {
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	src, err := nodeKeyFromRequest(req.SourceNode, req.SourceDevice)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "source_node: "+err.Error())
	}
	dst, err := nodeKeyFromRequest(req.DestNode, req.DestDevice)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "dest_node: "+err.Error())
	}

	rule := route.NewRule(req.Priority, src, dst, req.ChannelFilter, req.TypeMask)
	if err := route.Validate(rule, s.devices); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.rules.Add(rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, rule)
}

func nodeKeyFromRequest(nodeStr string, localDeviceID uint16) (device.Key, error) {
	if nodeStr == "" {
		return device.Key{LocalDeviceID: localDeviceID}, nil
	}
	n, err := nodeid.Parse(nodeStr)
	if err != nil {
		return device.Key{}, err
	}
	return device.Key{OwnerNode: n, LocalDeviceID: localDeviceID}, nil
}

func (s *Server) handleRouteRemove(c echo.Context) error {
	id := c.Param("id")
	if !s.rules.Remove(id) {
		return echo.NewHTTPError(http.StatusNotFound, "no such route")
	}
	return c.NoContent(http.StatusNoContent)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleRouteSetEnabled(c echo.Context) error {
	id := c.Param("id")
	var req setEnabledRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !s.rules.SetEnabled(id, req.Enabled) {
		return echo.NewHTTPError(http.StatusNotFound, "no such route")
	}
	return c.NoContent(http.StatusOK)
}

type statsResponse struct {
	Router router.Statistics `json:"router"`
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, statsResponse{Router: s.engine.GetStatistics()})
}

// handleStatsReset implements spec.md §3's explicit reset operation over
// HTTP, mirroring the teacher's Room.Stats() swap-and-reset idiom.
func (s *Server) handleStatsReset(c echo.Context) error {
	s.engine.ResetStatistics()
	return c.NoContent(http.StatusOK)
}
