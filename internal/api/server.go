// Package api is the HTTP control surface of camstreamer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/config"
	"github.com/bryanchriswhite/camstreamer/internal/device"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/output"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	sys       *device.System
	configMgr *config.Manager
	preview   *output.MJPEGOutput
	frames    *capture.Router
	upgrader  websocket.Upgrader
	log       *zerolog.Logger
	http      *http.Server

	mu      sync.Mutex
	cameras map[string]*openCamera

	devEvents chan device.Event

	hub hub
}

// NewServer creates a new API server. The system must already be open;
// preview may be nil.
func NewServer(sys *device.System, configMgr *config.Manager, preview *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		sys:       sys,
		configMgr: configMgr,
		preview:   preview,
		frames:    capture.NewRouter(),
		log:       logger.WithComponent("api"),
		cameras:   make(map[string]*openCamera),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
	if preview != nil {
		s.frames.Add(preview)
	}

	s.setupRoutes()
	s.watchDevices()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Cameras and acquisition
	api.HandleFunc("/cameras", s.handleListCameras).Methods("GET")
	api.HandleFunc("/cameras/{id}/stream", s.handleStartStream).Methods("POST")
	api.HandleFunc("/cameras/{id}/stream", s.handleStopStream).Methods("DELETE")
	api.HandleFunc("/cameras/{id}/stream/stats", s.handleStreamStats).Methods("GET")

	// Features
	api.HandleFunc("/cameras/{id}/features", s.handleListFeatures).Methods("GET")
	api.HandleFunc("/cameras/{id}/features/{name}", s.handleGetFeature).Methods("GET")
	api.HandleFunc("/cameras/{id}/features/{name}", s.handleSetFeature).Methods("PUT")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	// Device and stream events
	api.HandleFunc("/events", s.handleEvents)

	if s.preview != nil {
		s.router.HandleFunc("/stream", s.preview.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/stream/stats", s.preview.GetStatsHandler()).Methods("GET")
		s.router.HandleFunc("/", s.preview.GetViewerHandler()).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS headers
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start(port int) error {
	s.mu.Lock()
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.http
	s.mu.Unlock()

	s.log.Info().Int("port", port).Msg("Starting HTTP server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and releases every camera the server opened
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down HTTP server: %w", err))
		}
	}
	s.sys.Unsubscribe(s.devEvents)
	if err := s.releaseAll(); err != nil {
		errs = append(errs, err)
	}
	s.hub.closeAll()
	return errors.Join(errs...)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to an HTTP status code
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindInvalidState:
		return http.StatusConflict
	case fault.KindInvalidArgument:
		return http.StatusBadRequest
	case fault.KindNotSupported:
		return http.StatusNotFound
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindDisconnected:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := s.log.Warn()
	if status >= 500 {
		ev = s.log.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  fault.KindOf(err).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Get()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindInvalidArgument, "config", err))
		return
	}

	if err := cfg.Validate(); err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindInvalidArgument, "config", err))
		return
	}
	if err := s.configMgr.Update(cfg); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
