// Package api provides the HTTP API of the de-identification service.
//
// Endpoints:
//
//	GET  /status          - service health, strategy, backend, cache and term counts
//	GET  /metrics         - runtime counters
//	POST /redact          - redact {"text":"..."}
//	POST /redact/batch    - redact {"paragraphs":[...]} or {"cells":[[...]]}
//	POST /entities        - list accepted spans of {"text":"..."}
//	GET  /mapping         - export the raw → pseudonym mapping
//	POST /mapping         - import a mapping; existing entries are kept
//	GET  /terms           - custom term lists
//	POST /terms/add       - add a term {"list":"departments","term":"心内科"}
//	POST /terms/remove    - remove a term
//
// The server speaks HTTP/1.1 and cleartext HTTP/2 (h2c).
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"med-deid/internal/config"
	"med-deid/internal/engine"
	"med-deid/internal/logger"
	"med-deid/internal/metrics"
	"med-deid/internal/terms"
)

const (
	maxTextBody  = 4 << 20 // 4 MB
	maxBatchBody = 16 << 20
	maxTermBody  = 1024
	shutdownWait = 5 * time.Second
)

// Builder constructs an engine over the given custom terms.
type Builder func(terms map[string][]string) (*engine.Engine, error)

// Server is the API server. The engine is swapped atomically when the
// terms or dictionaries change; in-flight requests finish on the old one.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	engine    atomic.Pointer[engine.Engine]
	build     Builder
	terms     *terms.Registry
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	log       *logger.Logger

	reloadMu sync.Mutex
}

// New creates an API server around a built engine. build and registry may
// be nil; Reload then fails and term edits are disabled.
func New(cfg *config.Config, eng *engine.Engine, build Builder, registry *terms.Registry, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		build:     build,
		terms:     registry,
		token:     cfg.APIToken,
		metrics:   eng.Metrics(),
		log:       log,
	}
	s.engine.Store(eng)
	if registry != nil {
		registry.OnChange(func(map[string][]string) {
			if err := s.Reload(); err != nil {
				s.log.Errorf("reload", "after term change: %v", err)
			}
		})
	}
	if s.token != "" {
		log.Info("auth", "bearer token authentication enabled")
	}
	return s
}

// Engine returns the engine currently serving requests.
func (s *Server) Engine() *engine.Engine { return s.engine.Load() }

// Reload rebuilds the engine with the current terms and swaps it in. On
// failure the running engine is kept.
func (s *Server) Reload() error {
	if s.build == nil {
		return errors.New("no engine builder configured")
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	var current map[string][]string
	if s.terms != nil {
		current = s.terms.All()
	}
	eng, err := s.build(current)
	if err != nil {
		return fmt.Errorf("rebuild engine: %w", err)
	}
	s.engine.Store(eng)
	if s.metrics != nil {
		s.metrics.DictionaryReloads.Add(1)
	}
	s.log.Info("reload", "engine rebuilt")
	return nil
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/redact", s.handleRedact)
	mux.HandleFunc("/redact/batch", s.handleBatch)
	mux.HandleFunc("/entities", s.handleEntities)
	mux.HandleFunc("/mapping", s.handleMapping)
	mux.HandleFunc("/terms", s.handleTerms)
	mux.HandleFunc("/terms/add", s.handleTermEdit(true))
	mux.HandleFunc("/terms/remove", s.handleTermEdit(false))
	return s.requestID(s.authMiddleware(mux))
}

// requestID tags every request with an X-Request-ID, reusing the client's.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	eng := s.Engine()
	type response struct {
		Status       string         `json:"status"`
		Uptime       string         `json:"uptime"`
		Strategy     string         `json:"strategy"`
		Backend      string         `json:"backend"`
		CacheEntries int            `json:"cacheEntries"`
		Terms        map[string]int `json:"terms"`
	}
	resp := response{
		Status:       "running",
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Strategy:     eng.Strategy(),
		Backend:      eng.BackendName(),
		CacheEntries: eng.Cache().Len(),
		Terms:        map[string]int{},
	}
	if s.terms != nil {
		for k, list := range s.terms.All() {
			resp.Terms[k] = len(list)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

type textRequest struct {
	Text *string `json:"text"`
}

func (s *Server) decodeText(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return "", false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxTextBody)
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == nil {
		s.countRequestError()
		http.Error(w, "invalid request: need {\"text\":\"...\"}", http.StatusBadRequest)
		return "", false
	}
	return *req.Text, true
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	text, ok := s.decodeText(w, r)
	if !ok {
		return
	}
	res, err := s.Engine().Redact(r.Context(), text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)
	var req struct {
		Paragraphs []string   `json:"paragraphs"`
		Cells      [][]string `json:"cells"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Paragraphs == nil && req.Cells == nil) {
		s.countRequestError()
		http.Error(w, "invalid request: need {\"paragraphs\":[...]} or {\"cells\":[[...]]}", http.StatusBadRequest)
		return
	}

	var (
		resp engine.BatchResult
		err  error
	)
	if req.Cells != nil {
		resp, err = s.Engine().RedactCells(r.Context(), req.Cells)
	} else {
		resp, err = s.Engine().RedactParagraphs(r.Context(), req.Paragraphs)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	text, ok := s.decodeText(w, r)
	if !ok {
		return
	}
	found := s.Engine().Entities(text)
	writeJSON(w, http.StatusOK, map[string]any{"entities": found, "count": len(found)})
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	cache := s.Engine().Cache()
	switch r.Method {
	case http.MethodGet:
		m, err := cache.Export()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)
		added, err := cache.ReadJSON(r.Body)
		if err != nil {
			s.countRequestError()
			http.Error(w, "invalid mapping: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Infof("mapping_import", "%d entries added", added)
		writeJSON(w, http.StatusOK, map[string]int{"added": added})
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTerms(w http.ResponseWriter, _ *http.Request) {
	if s.terms == nil {
		writeJSON(w, http.StatusOK, map[string][]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.terms.All())
}

func (s *Server) handleTermEdit(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if s.terms == nil {
			http.Error(w, "term editing not enabled", http.StatusServiceUnavailable)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxTermBody)
		var req struct {
			List string `json:"list"`
			Term string `json:"term"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.List == "" || req.Term == "" {
			s.countRequestError()
			http.Error(w, "invalid request: need {\"list\":\"...\",\"term\":\"...\"}", http.StatusBadRequest)
			return
		}

		var err error
		verb := "added"
		if add {
			err = s.terms.Add(req.List, req.Term)
		} else {
			verb = "removed"
			err = s.terms.Remove(req.List, req.Term)
		}
		if err != nil {
			s.countRequestError()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Infof("terms", "%s %q in %s", verb, req.Term, req.List)
		writeJSON(w, http.StatusOK, map[string]string{verb: req.Term, "list": req.List})
	}
}

func (s *Server) countRequestError() {
	if s.metrics != nil {
		s.metrics.ErrorsRequest.Add(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v) // client gone; nothing to do
}

// Serve serves the API on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	h2srv := &http2.Server{
		MaxConcurrentStreams: 250,
		MaxReadFrameSize:     1 << 20, // 1 MiB
		IdleTimeout:          90 * time.Second,
	}
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), h2srv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Infof("listen", "serving on %s", ln.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		s.log.Info("listen", "stopped")
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.APIPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}
