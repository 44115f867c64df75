package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/carlmjohnson/versioninfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/goedderz/go-replication"
)

// SyncCollectionRequest is the body of PUT .../sync-collection.
type SyncCollectionRequest struct {
	Collection string                    `json:"collection"`
	Config     replication.ConfigRequest `json:"config"`
}

// Server exposes a Registry over HTTP.
type Server struct {
	registry *Registry
	addr     string
	logger   *slog.Logger
}

func NewServer(registry *Registry, addr string, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		addr:     addr,
		logger:   logger.With("component", "control"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /_api/replication/appliers", s.handleList)
	mux.HandleFunc("GET /_api/replication/{target}/applier-config", s.handleProperties)
	mux.HandleFunc("PUT /_api/replication/{target}/applier-config", s.handleConfigure)
	mux.HandleFunc("PUT /_api/replication/{target}/applier-start", s.handleStart)
	mux.HandleFunc("PUT /_api/replication/{target}/applier-stop", s.handleStop)
	mux.HandleFunc("GET /_api/replication/{target}/applier-state", s.handleState)
	mux.HandleFunc("DELETE /_api/replication/{target}/applier-state", s.handleForget)
	mux.HandleFunc("PUT /_api/replication/{target}/sync", s.handleSync)
	mux.HandleFunc("PUT /_api/replication/{target}/sync-collection", s.handleSyncCollection)
	mux.HandleFunc("PUT /_api/replication/{target}/setup", s.handleSetup)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     otelhttp.NewHandler(s.Handler(), ""),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":        true,
		"code":         status,
		"kind":         replication.ErrorKind(err),
		"errorMessage": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps the error taxonomy to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, replication.ErrAlreadyRunning), errors.Is(err, replication.ErrStillRunning):
		return http.StatusConflict
	case errors.Is(err, replication.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, replication.ErrDataGone):
		return http.StatusGone
	case errors.Is(err, replication.ErrSnapshotTransfer):
		return http.StatusBadGateway
	case errors.Is(err, replication.ErrTransport):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, err, status)
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid request body: %v", replication.ErrInvalidConfig, err)
}

func (s *Server) applier(w http.ResponseWriter, r *http.Request) (*Applier, bool) {
	a, err := s.registry.Get(r.Context(), r.PathValue("target"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return a, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": versioninfo.Short()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.States())
}

func (s *Server) handleProperties(w http.ResponseWriter, r *http.Request) {
	a, ok := s.applier(w, r)
	if !ok {
		return
	}
	cfg, err := a.Properties()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req replication.ConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := replication.ResolveConfig(req, replication.SyncDefaults)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, ok := s.applier(w, r)
	if !ok {
		return
	}
	if err := a.Configure(r.Context(), cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, _ = a.Properties()
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var opts StartOptions
	if err := decodeBody(r, &opts); err != nil {
		s.fail(w, r, err)
		return
	}
	a, ok := s.applier(w, r)
	if !ok {
		return
	}
	st, err := a.Start(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	a, ok := s.applier(w, r)
	if !ok {
		return
	}
	st, err := a.Stop(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	a, ok := s.applier(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.State())
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	a, ok := s.applier(w, r)
	if !ok {
		return
	}
	if err := a.Forget(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req replication.ConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.registry.Sync(r.Context(), r.PathValue("target"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncCollection(w http.ResponseWriter, r *http.Request) {
	var req SyncCollectionRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.registry.SyncCollection(r.Context(), r.PathValue("target"), req.Collection, req.Config)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req replication.ConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.registry.SetupReplication(r.Context(), r.PathValue("target"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
