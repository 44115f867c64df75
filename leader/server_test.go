package leader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goedderz/go-replication"
)

func newTestServer(t *testing.T, l *Log) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(NewServer(l, "", logger).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_LoggerState(t *testing.T) {
	l := NewLog(0, "1.2.3")
	appendDoc(t, l, "db", "docs", "a")
	ts := newTestServer(t, l)

	resp := doJSON(t, "GET", ts.URL+"/_api/replication/logger-state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st LoggerState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.State.Running)
	assert.Equal(t, replication.Tick(1), st.State.LastLogTick)
	assert.Equal(t, "1.2.3", st.Server.Version)
	assert.NotEmpty(t, st.Server.ServerID)

	resp = doJSON(t, "GET", ts.URL+"/_api/replication/logger-first-tick", nil)
	var ft FirstTickResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ft))
	assert.Equal(t, replication.Tick(1), ft.FirstTick)

	resp = doJSON(t, "GET", ts.URL+"/_api/replication/logger-tick-ranges", nil)
	var ranges []replication.TickRange
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ranges))
	assert.Equal(t, []replication.TickRange{{TickMin: 1, TickMax: 1}}, ranges)
}

func TestServer_BarrierLifecycle(t *testing.T) {
	l := NewLog(0, "test")
	ts := newTestServer(t, l)

	resp := doJSON(t, "POST", ts.URL+"/_api/replication/barrier", BarrierRequest{Tick: 0, TTL: 60})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var bar Barrier
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bar))
	assert.NotEmpty(t, bar.ID)
	assert.Equal(t, 1, l.Barriers().Len())

	resp = doJSON(t, "PUT", ts.URL+"/_api/replication/barrier/"+bar.ID, BarrierRequest{TTL: 120})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, "DELETE", ts.URL+"/_api/replication/barrier/"+bar.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doJSON(t, "DELETE", ts.URL+"/_api/replication/barrier/"+bar.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, "PUT", ts.URL+"/_api/replication/barrier/"+bar.ID, BarrierRequest{TTL: 120})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BarrierOnPurgedTick(t *testing.T) {
	l := NewLog(0, "test")
	appendDoc(t, l, "db", "docs", "a")
	appendDoc(t, l, "db", "docs", "b")
	l.PurgeUpTo(2)
	ts := newTestServer(t, l)

	resp := doJSON(t, "POST", ts.URL+"/_api/replication/barrier", BarrierRequest{Tick: 0, TTL: 60})
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp = doJSON(t, "POST", ts.URL+"/_api/replication/barrier", BarrierRequest{Tick: 2, TTL: 60})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestServer_InventoryAndDump(t *testing.T) {
	l := NewLog(0, "test")
	appendDoc(t, l, "db", "docs", "a")
	appendDoc(t, l, "db", "_users", "root")
	ts := newTestServer(t, l)

	resp := doJSON(t, "GET", ts.URL+"/_api/replication/inventory?database=db&includeSystem=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inv InventoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inv))
	assert.Equal(t, []InventoryCollection{{"db", "docs"}}, inv.Collections)
	assert.Equal(t, replication.Tick(2), inv.State.LastLogTick)

	resp = doJSON(t, "GET", ts.URL+"/_api/replication/dump?database=db&collection=docs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get(HeaderSnapshotTick))
	var doc replication.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "a", doc.Key)

	resp = doJSON(t, "GET", ts.URL+"/_api/replication/dump?database=db&collection=nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Tail(t *testing.T) {
	l := NewLog(0, "test")
	for _, k := range []string{"a", "b", "c"} {
		appendDoc(t, l, "db", "docs", k)
	}
	ts := newTestServer(t, l)

	resp := doJSON(t, "GET", ts.URL+"/_api/wal/tail?from=1&chunkSize=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(HeaderFirstTick))
	assert.Equal(t, "2", resp.Header.Get(HeaderLastIncluded))
	assert.Equal(t, "true", resp.Header.Get(HeaderCheckMore))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 1)
	var entry replication.LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, replication.Tick(2), entry.Tick)
	assert.Equal(t, replication.OpInsert, entry.Kind)

	resp = doJSON(t, "GET", ts.URL+"/_api/wal/tail?from=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Append(t *testing.T) {
	l := NewLog(0, "test")
	ts := newTestServer(t, l)

	resp := doJSON(t, "POST", ts.URL+"/_api/log", AppendRequest{
		Database: "db", Collection: "docs", Kind: replication.OpInsert, Key: "a", Data: json.RawMessage(`{"x":1}`),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var entry replication.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, replication.Tick(1), entry.Tick)

	resp = doJSON(t, "POST", ts.URL+"/_api/log", AppendRequest{Database: "db", Kind: replication.OpInsert, Key: "a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestServer_StreamDeliversLiveEntries(t *testing.T) {
	l := NewLog(0, "test")
	appendDoc(t, l, "db", "docs", "a")
	ts := newTestServer(t, l)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/_api/wal/stream?from=0"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var entry replication.LogEntry
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, replication.Tick(1), entry.Tick)

	appendDoc(t, l, "db", "docs", "b")
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, replication.Tick(2), entry.Tick)
	assert.Equal(t, "b", entry.Key)
}

func TestServer_StreamOutdatedCursor(t *testing.T) {
	l := NewLog(0, "test")
	for _, k := range []string{"a", "b", "c"} {
		appendDoc(t, l, "db", "docs", k)
	}
	l.PurgeUpTo(2)
	ts := newTestServer(t, l)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/_api/wal/stream?from=1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseOutdatedCursor, closeErr.Text)
}
