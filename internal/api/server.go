//
//
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"pkt.systems/pslog"
	"vawter.tech/stopper"

	"github.com/importly/moteus-motor/internal/device"
	"github.com/importly/moteus-motor/internal/logging"
	"github.com/importly/moteus-motor/internal/metrics"
)

// LoopStatus is the part of the control loop the health check reads.
type LoopStatus interface {
	Running() bool
}

// ControllerSource lists the registered controllers.
type ControllerSource interface {
	IDs() []device.ControllerID
}

// SetpointSource reads the current setpoint of a controller.
type SetpointSource interface {
	Get(id device.ControllerID) (float64, bool)
}

// Server is the read-only operations HTTP server.
type Server struct {
	addr        string
	loop        LoopStatus
	controllers ControllerSource
	setpoints   SetpointSource
	metrics     *metrics.Metrics
	logger      pslog.Logger
	startTime   time.Time

	httpServer *http.Server
}

// NewServer creates the operations server.
func NewServer(addr string, loop LoopStatus, controllers ControllerSource, setpoints SetpointSource, m *metrics.Metrics, logger pslog.Logger) *Server {
	s := &Server{
		addr:        addr,
		loop:        loop,
		controllers: controllers,
		setpoints:   setpoints,
		metrics:     m,
		logger:      logging.WithSubsystem(logger, "bridge.api"),
		startTime:   time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers every route on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/controllers", s.handleControllers)
}

// Run serves until sctx starts stopping, then shuts down gracefully.
func (s *Server) Run(sctx *stopper.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start ops server: %w", err)
	}
	s.logger.Info("api.listening", "addr", listener.Addr().String())

	sctx.Go(func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("api.shutdown_failed", "error", err)
		}
		return nil
	})

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

type healthData struct {
	Status string `json:"status"`
	Loop   string `json:"loop"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	data := healthData{
		Status: "ok",
		Loop:   "RUNNING",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.loop == nil || !s.loop.Running() {
		data.Status = "starting"
		data.Loop = "STARTING"
		failure(codeUnavailable, "control loop not running", data).write(w, http.StatusServiceUnavailable)
		return
	}
	success(data).write(w, http.StatusOK)
}

// ControllerView is one entry of GET /v1/controllers. Setpoint is null until a
// client has commanded the controller.
type ControllerView struct {
	ID       int      `json:"id"`
	Setpoint *float64 `json:"setpoint"`
}

type controllerList struct {
	Items []ControllerView `json:"items"`
}

func (s *Server) handleControllers(w http.ResponseWriter, _ *http.Request) {
	if s.controllers == nil {
		failure(codeUnavailable, "controller registry not available", nil).write(w, http.StatusServiceUnavailable)
		return
	}

	ids := s.controllers.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	list := controllerList{Items: make([]ControllerView, 0, len(ids))}
	for _, id := range ids {
		view := ControllerView{ID: int(id)}
		if s.setpoints != nil {
			if p, ok := s.setpoints.Get(id); ok {
				p := p
				view.Setpoint = &p
			}
		}
		list.Items = append(list.Items, view)
	}
	success(list).write(w, http.StatusOK)
}
