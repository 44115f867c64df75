package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/goedderz/go-replication"
)

const (
	HeaderFirstTick    = "X-Replication-First-Tick"
	HeaderLastIncluded = "X-Replication-Last-Included"
	HeaderCheckMore    = "X-Replication-Check-More"
	HeaderSnapshotTick = "X-Replication-Snapshot-Tick"

	// CloseOutdatedCursor is the websocket close reason sent when a stream
	// cannot be served from the requested tick.
	CloseOutdatedCursor = "OutdatedCursor"

	defaultBarrierTTL = 2 * time.Minute
	streamChunkSize   = 500
	streamWriteWait   = 10 * time.Second

	// StreamPingInterval is how often an idle stream is pinged. Clients
	// extend their read deadline on every ping.
	StreamPingInterval = 15 * time.Second
)

type BarrierRequest struct {
	Tick replication.Tick `json:"tick"`
	TTL  float64          `json:"ttl"` // seconds
}

type FirstTickResponse struct {
	FirstTick replication.Tick `json:"firstTick"`
}

type InventoryResponse struct {
	Collections []InventoryCollection `json:"collections"`
	State       struct {
		LastLogTick replication.Tick `json:"lastLogTick"`
	} `json:"state"`
}

// AppendRequest is the body of POST /_api/log.
type AppendRequest struct {
	Database   string             `json:"database"`
	Collection string             `json:"collection"`
	Kind       replication.OpKind `json:"type"`
	Key        string             `json:"key,omitempty"`
	Data       json.RawMessage    `json:"data,omitempty"`
}

// Server exposes a Log over the replication wire protocol.
type Server struct {
	log      *Log
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(log *Log, addr string, logger *slog.Logger) *Server {
	return &Server{
		log:    log,
		addr:   addr,
		logger: logger.With("component", "leader"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /_api/replication/logger-state", s.handleLoggerState)
	mux.HandleFunc("GET /_api/replication/logger-tick-ranges", s.handleTickRanges)
	mux.HandleFunc("GET /_api/replication/logger-first-tick", s.handleFirstTick)
	mux.HandleFunc("POST /_api/replication/barrier", s.handleCreateBarrier)
	mux.HandleFunc("PUT /_api/replication/barrier/{id}", s.handleExtendBarrier)
	mux.HandleFunc("DELETE /_api/replication/barrier/{id}", s.handleRemoveBarrier)
	mux.HandleFunc("GET /_api/replication/inventory", s.handleInventory)
	mux.HandleFunc("GET /_api/replication/dump", s.handleDump)
	mux.HandleFunc("GET /_api/wal/tail", s.handleTail)
	mux.HandleFunc("GET /_api/wal/stream", s.handleStream)
	mux.HandleFunc("POST /_api/log", s.handleAppend)
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
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": true, "code": status, "errorMessage": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func tickParam(r *http.Request, name string) (replication.Tick, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return replication.ParseTick(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": versioninfo.Short()})
}

// handleLoggerState handles GET /_api/replication/logger-state
func (s *Server) handleLoggerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.log.State())
}

func (s *Server) handleTickRanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.log.TickRanges())
}

func (s *Server) handleFirstTick(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, FirstTickResponse{FirstTick: s.log.FirstTick()})
}

func barrierTTL(seconds float64) time.Duration {
	if seconds <= 0 {
		return defaultBarrierTTL
	}
	return time.Duration(seconds * float64(time.Second))
}

// handleCreateBarrier handles POST /_api/replication/barrier
func (s *Server) handleCreateBarrier(w http.ResponseWriter, r *http.Request) {
	var req BarrierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid barrier request: %v", err), http.StatusBadRequest)
		return
	}
	if first := s.log.FirstTick(); req.Tick+1 < first {
		writeJSONError(w, fmt.Sprintf("tick %d is no longer retained (first tick %d)", req.Tick, first), http.StatusGone)
		return
	}
	bar := s.log.Barriers().Create(req.Tick, barrierTTL(req.TTL))
	s.logger.Debug("created barrier", "id", bar.ID, "tick", bar.Tick, "expires", bar.Expires)
	writeJSON(w, http.StatusCreated, bar)
}

// handleExtendBarrier handles PUT /_api/replication/barrier/{id}
func (s *Server) handleExtendBarrier(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req BarrierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid barrier request: %v", err), http.StatusBadRequest)
		return
	}
	bar, err := s.log.Barriers().Extend(id, barrierTTL(req.TTL))
	if errors.Is(err, ErrUnknownBarrier) {
		writeJSONError(w, fmt.Sprintf("barrier %s not found", id), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bar)
}

// handleRemoveBarrier handles DELETE /_api/replication/barrier/{id}
func (s *Server) handleRemoveBarrier(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.log.Barriers().Remove(id) {
		s.logger.Debug("removed barrier", "id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInventory handles GET /_api/replication/inventory
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeSystem := q.Get("includeSystem") != "false"

	colls, lastTick, err := s.log.Inventory(r.Context(), q.Get("database"), includeSystem)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error building inventory: %v", err), http.StatusInternalServerError)
		return
	}
	var resp InventoryResponse
	resp.Collections = colls
	resp.State.LastLogTick = lastTick
	writeJSON(w, http.StatusOK, resp)
}

// handleDump handles GET /_api/replication/dump - streams a collection as NDJSON
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docs, tick, err := s.log.Dump(r.Context(), q.Get("database"), q.Get("collection"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set(HeaderSnapshotTick, tick.String())
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for i := range docs {
		if err := enc.Encode(&docs[i]); err != nil {
			s.logger.Warn("dump aborted", "collection", q.Get("collection"), "error", err)
			return
		}
	}
}

// handleTail handles GET /_api/wal/tail - returns one chunk of entries after `from`
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	from, err := tickParam(r, "from")
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	chunkSize, _ := strconv.Atoi(r.URL.Query().Get("chunkSize"))

	res := s.log.Tail(from, chunkSize)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set(HeaderFirstTick, res.FirstTick.String())
	w.Header().Set(HeaderLastIncluded, res.LastIncluded.String())
	w.Header().Set(HeaderCheckMore, strconv.FormatBool(res.CheckMore))
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for i := range res.Entries {
		if err := enc.Encode(&res.Entries[i]); err != nil {
			return
		}
	}
}

// handleStream handles GET /_api/wal/stream - pushes entries after `from` over
// a websocket as they are appended.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	from, err := tickParam(r, "from")
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the client never sends data frames; a read error means it went away
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	cursor := from
	for {
		res := s.log.Tail(cursor, streamChunkSize)
		if replication.NewCursor(cursor).GapFrom(res.FirstTick) {
			s.logger.Info("stream cursor outdated", "cursor", cursor, "first_tick", res.FirstTick)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, CloseOutdatedCursor),
				time.Now().Add(streamWriteWait))
			return
		}
		for i := range res.Entries {
			msg, err := json.Marshal(&res.Entries[i])
			if err != nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			cursor = res.Entries[i].Tick
		}
		if res.CheckMore {
			continue
		}
		waitCtx, cancelWait := context.WithTimeout(ctx, StreamPingInterval)
		err := s.log.WaitAfter(waitCtx, cursor)
		cancelWait()
		if ctx.Err() != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
		if err != nil {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// handleAppend handles POST /_api/log - appends an operation and returns the logged entry
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid operation: %v", err), http.StatusBadRequest)
		return
	}
	entry, err := s.log.Append(req.Database, req.Collection, req.Kind, req.Key, req.Data)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
