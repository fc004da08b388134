package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/controls"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/pipeline"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by /api/health
const Version = "0.1.0"

const formOverhead = 1 << 20

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	pipe      *pipeline.Pipeline
	maxUpload int64
	origins   []string
	upgrader  websocket.Upgrader
	http      *http.Server
}

// NewServer creates a new API server. Uploads larger than maxUpload bytes
// are rejected; maxUpload <= 0 means 32 MiB. Browser requests are only
// served for the server's own origin and the listed allowedOrigins.
func NewServer(pipe *pipeline.Pipeline, maxUpload int64, allowedOrigins ...string) *Server {
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	s := &Server{
		router:    mux.NewRouter(),
		pipe:      pipe,
		maxUpload: maxUpload,
		origins:   allowedOrigins,
	}
	s.upgrader.CheckOrigin = s.originAllowed

	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/state", s.handleGetState).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)

	// Controls
	api.HandleFunc("/controls/fit/toggle", s.handleToggleFit).Methods("POST")
	api.HandleFunc("/controls/overlay/toggle", s.handleToggleOverlay).Methods("POST")
	api.HandleFunc("/controls/opacity", s.handleSetOpacity).Methods("PUT")
	api.HandleFunc("/controls/canvas", s.handleSetCanvas).Methods("PUT")
	api.HandleFunc("/controls/image", s.handleSetImageURL).Methods("PUT")
	api.HandleFunc("/controls/image", s.handleUploadImage).Methods("POST")
	api.HandleFunc("/controls/image", s.handleClearImage).Methods("DELETE")

	api.HandleFunc("/viewport", s.handleSetViewport).Methods("PUT")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Outputs
	s.router.HandleFunc("/stream", s.pipe.Stream.StreamHandler()).Methods("GET")
	s.router.HandleFunc("/stream/stats", s.pipe.Stream.StatsHandler()).Methods("GET")
	s.router.HandleFunc("/snapshot.jpg", s.pipe.Stream.SnapshotHandler()).Methods("GET")
	s.router.HandleFunc("/overlay.png", s.handleOverlayPNG).Methods("GET")

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the router wrapped with the origin check
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start listens on port and serves until Shutdown
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http.Addr = addr

	logger.WithComponent("api").Info().Str("addr", addr).Msgf("Starting server on http://localhost%s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server started by Start
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// originAllowed reports whether r may use the server. Requests without
// an Origin header are not made by page scripts and always pass.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// enableCORS refuses foreign origins and adds CORS headers for the rest
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r) {
			logger.WithComponent("api").Warn().
				Str("origin", r.Header.Get("Origin")).
				Str("path", r.URL.Path).
				Msg("Refused request from foreign origin")
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		w.Header().Add("Vary", "Origin")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// dispatch applies action and answers with the resulting state
func (s *Server) dispatch(w http.ResponseWriter, action controls.Action) {
	next := s.pipe.Store.Dispatch(action)
	logger.WithComponent("api").Debug().Stringer("action", action).Uint64("revision", next.Revision).Msg("Control action")
	writeJSON(w, http.StatusOK, s.pipe.Status())
}

// HTTP Handlers

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Status())
}

func (s *Server) handleToggleFit(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, controls.ToggleFitScreen{})
}

func (s *Server) handleToggleOverlay(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, controls.ToggleOverlay{})
}

func (s *Server) handleSetOpacity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Opacity *float64 `json:"opacity"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Opacity == nil {
		http.Error(w, "missing opacity", http.StatusBadRequest)
		return
	}
	s.dispatch(w, controls.SetOpacity{V: *req.Opacity})
}

func (s *Server) handleSetCanvas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.dispatch(w, controls.SetCanvasSize{W: req.Width, H: req.Height})
}

func (s *Server) handleSetImageURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decode(w, r, &req) {
		return
	}
	ref := strings.TrimSpace(req.URL)
	if ref == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	s.dispatch(w, controls.SetImage{Ref: ref})
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	// the form around the file gets up to formOverhead extra bytes
	limit := s.maxUpload + formOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(formOverhead); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if int64(len(data)) > s.maxUpload {
		http.Error(w, "image exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	ref := s.pipe.Blobs.Put(data, contentType)
	logger.WithComponent("api").Info().
		Str("filename", header.Filename).
		Str("content_type", contentType).
		Int("bytes", len(data)).
		Str("ref", ref).
		Msg("Image uploaded")

	s.pipe.Store.Dispatch(controls.SetImage{Ref: ref})
	writeJSON(w, http.StatusCreated, struct {
		Ref   string          `json:"ref"`
		State pipeline.Status `json:"state"`
	}{ref, s.pipe.Status()})
}

func (s *Server) handleClearImage(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, controls.SetImage{Ref: ""})
}

func (s *Server) handleSetViewport(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Size
	if !decode(w, r, &req) {
		return
	}
	s.pipe.Compositor.SetViewport(req.Width, req.Height)
	writeJSON(w, http.StatusOK, s.pipe.Status())
}

func (s *Server) handleOverlayPNG(w http.ResponseWriter, r *http.Request) {
	snap := s.pipe.Compositor.Snapshot()

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, snap.Image); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Overlay-Revision", fmt.Sprint(snap.Revision))
	w.Write(buf.Bytes())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	changes := s.pipe.Changes()
	defer s.pipe.StopChanges(changes)

	// reads only detect the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.pipe.Status()); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-gone:
			return
		case _, ok := <-changes:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(s.pipe.Status()); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}
