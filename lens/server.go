package lens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	endpointPathRun        = "/run"
	endpointPathComplexity = "/complexity"
	endpointPathCompare    = "/compare"
	endpointPathHealth     = "/health"
	endpointPathUI         = "/ui"
	endpointPathRuns       = "/runs/"
	endpointPathStatic     = "/static/"
	contentTypeJSON        = "application/json"
	contentTypeMsgpack     = "application/msgpack"
	serviceBanner          = "Step Lens Backend API"
	chartFileBase          = "memory"
)

// Server exposes a Service over HTTP.
type Server struct {
	service *Service
	server  *http.Server
	addr    string
	err     atomic.Pointer[error]
}

// NewServer constructs a Server for the service, Start must be invoked to begin serving.
func NewServer(service *Service) *Server {
	s := &Server{service: service}
	s.server = &http.Server{
		Addr:              service.Config.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the server wrapped with logging, CORS and compression middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpointPathRun, s.handleRun)
	mux.HandleFunc(endpointPathComplexity, s.handleComplexity)
	mux.HandleFunc(endpointPathCompare, s.handleCompare)
	mux.HandleFunc(endpointPathHealth, s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET "+endpointPathRuns+"{id}", s.handleLoadRun)
	mux.HandleFunc("GET "+endpointPathRuns+"{id}/{chart}", s.handleRunChart)
	if dir := s.service.Config.StaticDir; dir != "" {
		mux.Handle("GET "+endpointPathStatic, http.StripPrefix(endpointPathStatic, http.FileServer(http.Dir(dir))))
		mux.HandleFunc("GET "+endpointPathUI, func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
		})
	}
	return logRequests(allowCORS(gzhttp.GzipHandler(mux)))
}

// Start begins listening, requests are served in the background until Stop is invoked.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", s.server.Addr, err)
	}
	s.addr = listener.Addr().String()
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err.Store(&err)
			log.Error().Err(err).Msg("server error")
		}
	}()

	log.Info().Str("addr", s.addr).Msg("step lens server started")
	return nil
}

// Addr returns the address the server is listening on, empty before Start.
func (s *Server) Addr() string {
	return s.addr
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	_, portStr, _ := net.SplitHostPort(s.addr)
	port, _ := strconv.Atoi(portStr)
	return port
}

func (s *Server) errCheck() error {
	if errPtr := s.err.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	err1 := s.server.Shutdown(ctx)
	return errors.Join(err1, s.errCheck())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	resp, err := s.service.Run(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComplexity(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	report, err := s.service.Complexity(req.Code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	resp, err := s.service.Compare(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "message": serviceBanner})
}

func (s *Server) handleLoadRun(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.LoadRun(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), contentTypeMsgpack) {
		blob, err := msgpack.Marshal(record)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeMsgpack)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(blob)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRunChart(w http.ResponseWriter, r *http.Request) {
	chart := r.PathValue("chart")
	base, ext, _ := strings.Cut(chart, ".")
	if base != chartFileBase {
		http.NotFound(w, r)
		return
	}
	outputType, err := ChartOutputType(ext)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	record, err := s.service.LoadRun(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	buf, err := RenderRunCharts(outputType, "", record.Response)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", ChartContentType(outputType))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

// decodePost validates the method and decodes the size limited JSON body, writing the error response and
// returning false on failure.
func (s *Server) decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	defer r.Body.Close()
	// allow room for JSON escaping of the code field
	body := http.MaxBytesReader(w, r.Body, 2*s.service.Config.MaxCodeBytes+1024)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		} else {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("failed to decode request")
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrCodeTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrRunNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
