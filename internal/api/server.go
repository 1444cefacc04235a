package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/framerelay/internal/api/models"
	"github.com/smazurov/framerelay/internal/events"
	"github.com/smazurov/framerelay/internal/logging"
	"github.com/smazurov/framerelay/internal/pipeline"
	"github.com/smazurov/framerelay/internal/relay"
	"github.com/smazurov/framerelay/internal/version"
)

// StatusProvider is the read side of a pipeline run.
type StatusProvider interface {
	Status() pipeline.Status
}

// Options configures the status server.
type Options struct {
	Status            StatusProvider
	EventBus          *events.Bus
	PrometheusHandler http.Handler // Optional Prometheus metrics handler
}

// Server is the read-only status API for a running pipeline.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	status     StatusProvider
	eventBus   *events.Bus
	logger     *slog.Logger
	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

// NewServer creates the status API on a Go 1.22+ ServeMux.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("FrameRelay API", version.Version)
	config.Info.Description = "Status of the frame export pipeline and its live preview relay"
	// Relative server paths so the docs work behind any host
	config.Servers = []*huma.Server{}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		status:   opts.Status,
		eventBus: opts.EventBus,
		logger:   logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}
	// The catch-all preflight route would otherwise turn unknown GETs into 405.
	mux.HandleFunc("GET /", http.NotFound)

	server.registerRoutes()
	return server
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// API returns the Huma API instance.
func (s *Server) API() huma.API {
	return s.api
}

// Start listens on addr and serves until Stop. It returns
// http.ErrServerClosed after a clean stop.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.httpServer = &http.Server{Handler: s.mux}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Status API listening", "addr", ln.Addr().String())
	s.logger.Debug("OpenAPI documentation available", "url", "http://"+ln.Addr().String()+"/docs")
	return srv.Serve(ln)
}

// Stop closes the listener and every open connection, including event
// streams.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping status API")
	return srv.Close()
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				GoVersion: info.GoVersion,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerPipelineRoutes()
	s.registerOptionsRoutes()
	s.registerSSERoutes()
}

func (s *Server) registerPipelineRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/api/pipeline",
		Summary:     "Pipeline Status",
		Description: "Current state, frame counters, encoder process and relay destinations of the run",
		Tags:        []string{"pipeline"},
		Errors:      []int{503},
	}, func(_ context.Context, _ *struct{}) (*models.PipelineResponse, error) {
		if s.status == nil {
			return nil, huma.Error503ServiceUnavailable("no pipeline is running")
		}
		return &models.PipelineResponse{Body: s.status.Status()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-destinations",
		Method:      http.MethodGet,
		Path:        "/api/pipeline/destinations",
		Summary:     "Preview Destinations",
		Description: "Per-destination datagram counters of the preview relay",
		Tags:        []string{"pipeline"},
		Errors:      []int{503},
	}, func(_ context.Context, _ *struct{}) (*models.DestinationsResponse, error) {
		if s.status == nil {
			return nil, huma.Error503ServiceUnavailable("no pipeline is running")
		}
		dests := s.status.Status().Destinations
		if dests == nil {
			dests = []relay.Stats{}
		}
		return &models.DestinationsResponse{
			Body: models.DestinationsData{
				Destinations: dests,
				Count:        len(dests),
			},
		}, nil
	})
}
