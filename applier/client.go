package applier

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/goedderz/go-replication"
	"github.com/goedderz/go-replication/leader"
)

// maxLineSize bounds a single NDJSON line of a dump or tail response.
const maxLineSize = 16 << 20

// LeaderClient speaks the leader's replication protocol.
type LeaderClient struct {
	endpoint   *url.URL
	username   string
	password   string
	jwt        string
	userAgent  string
	httpClient *http.Client
	wsDialer   *websocket.Dialer
	requests   atomic.Int64
	logger     *slog.Logger
}

func NewLeaderClient(cfg replication.ApplierConfig, logger *slog.Logger) (*LeaderClient, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint: %v", replication.ErrInvalidConfig, err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = replication.DefaultRequestTimeout
	}
	return &LeaderClient{
		endpoint:  u,
		username:  cfg.Username,
		password:  cfg.Password,
		jwt:       cfg.JWT,
		userAgent: fmt.Sprintf("go-replication-applier/%s", versioninfo.Short()),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		wsDialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		logger: logger.With("component", "leader-client", "endpoint", cfg.Endpoint),
	}, nil
}

// Requests returns the number of requests issued so far.
func (c *LeaderClient) Requests() int64 {
	return c.requests.Load()
}

func (c *LeaderClient) setHeaders(h http.Header) {
	h.Set("User-Agent", c.userAgent)
	switch {
	case c.jwt != "":
		h.Set("Authorization", "bearer "+c.jwt)
	case c.username != "":
		creds := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		h.Set("Authorization", "Basic "+creds)
	}
}

func (c *LeaderClient) buildURL(path string, query url.Values) string {
	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *LeaderClient) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	reqURL := c.buildURL(path, query)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.requests.Add(1)
	c.logger.Debug("http request starting", "method", method, "url", reqURL)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", replication.ErrRemoteUnavailable, method, path, err)
	}
	return resp, nil
}

// statusError classifies a non-success response from the leader.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("leader returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", replication.ErrDataGone, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", replication.ErrInvalidConfig, msg)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", replication.ErrTransport, msg)
	}
	return errors.New(msg)
}

func (c *LeaderClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.do(ctx, "GET", path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", replication.ErrConnectionLost, path, err)
	}
	return nil
}

func (c *LeaderClient) LoggerState(ctx context.Context) (leader.LoggerState, error) {
	var st leader.LoggerState
	err := c.getJSON(ctx, "/_api/replication/logger-state", nil, &st)
	return st, err
}

func (c *LeaderClient) TickRanges(ctx context.Context) ([]replication.TickRange, error) {
	var ranges []replication.TickRange
	err := c.getJSON(ctx, "/_api/replication/logger-tick-ranges", nil, &ranges)
	return ranges, err
}

func (c *LeaderClient) FirstTick(ctx context.Context) (replication.Tick, error) {
	var resp leader.FirstTickResponse
	err := c.getJSON(ctx, "/_api/replication/logger-first-tick", nil, &resp)
	return resp.FirstTick, err
}

// Inventory lists the leader's collections. An empty database lists every
// database.
func (c *LeaderClient) Inventory(ctx context.Context, database string, includeSystem bool) (leader.InventoryResponse, error) {
	q := url.Values{}
	if database != "" {
		q.Set("database", database)
	}
	q.Set("includeSystem", strconv.FormatBool(includeSystem))
	var inv leader.InventoryResponse
	err := c.getJSON(ctx, "/_api/replication/inventory", q, &inv)
	return inv, err
}

// Dump streams a collection from the leader, handing documents to fn in
// batches of at most batchSize. Returns the tick the dump corresponds to.
func (c *LeaderClient) Dump(ctx context.Context, database, collection string, batchSize int, fn func([]replication.Document) error) (replication.Tick, error) {
	q := url.Values{}
	q.Set("database", database)
	q.Set("collection", collection)
	resp, err := c.do(ctx, "GET", "/_api/replication/dump", q, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}

	tick, err := replication.ParseTick(resp.Header.Get(leader.HeaderSnapshotTick))
	if err != nil {
		return 0, fmt.Errorf("dump of %s/%s: %w", database, collection, err)
	}

	if batchSize <= 0 {
		batchSize = replication.DefaultChunkSize
	}
	batch := make([]replication.Document, 0, batchSize)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, maxLineSize)
	for scanner.Scan() {
		var doc replication.Document
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			return 0, fmt.Errorf("failed to parse dump line: %w", err)
		}
		batch = append(batch, doc)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return 0, err
			}
			batch = make([]replication.Document, 0, batchSize)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: reading dump: %v", replication.ErrConnectionLost, err)
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return 0, err
		}
	}
	return tick, nil
}

func (c *LeaderClient) CreateBarrier(ctx context.Context, tick replication.Tick, ttl time.Duration) (leader.Barrier, error) {
	resp, err := c.do(ctx, "POST", "/_api/replication/barrier", nil, leader.BarrierRequest{Tick: tick, TTL: ttl.Seconds()})
	if err != nil {
		return leader.Barrier{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return leader.Barrier{}, statusError(resp)
	}
	var bar leader.Barrier
	if err := json.NewDecoder(resp.Body).Decode(&bar); err != nil {
		return leader.Barrier{}, fmt.Errorf("%w: decoding barrier: %v", replication.ErrConnectionLost, err)
	}
	return bar, nil
}

// ExtendBarrier renews a barrier. A barrier the leader no longer knows
// yields ErrBarrierExpired.
func (c *LeaderClient) ExtendBarrier(ctx context.Context, id string, ttl time.Duration) (leader.Barrier, error) {
	resp, err := c.do(ctx, "PUT", "/_api/replication/barrier/"+url.PathEscape(id), nil, leader.BarrierRequest{TTL: ttl.Seconds()})
	if err != nil {
		return leader.Barrier{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return leader.Barrier{}, fmt.Errorf("%w: %s", replication.ErrBarrierExpired, id)
	}
	if resp.StatusCode != http.StatusOK {
		return leader.Barrier{}, statusError(resp)
	}
	var bar leader.Barrier
	if err := json.NewDecoder(resp.Body).Decode(&bar); err != nil {
		return leader.Barrier{}, fmt.Errorf("%w: decoding barrier: %v", replication.ErrConnectionLost, err)
	}
	return bar, nil
}

// RemoveBarrier releases a barrier. Unknown barriers are not an error.
func (c *LeaderClient) RemoveBarrier(ctx context.Context, id string) error {
	resp, err := c.do(ctx, "DELETE", "/_api/replication/barrier/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	}
	return statusError(resp)
}

// TailChunk is one page of the leader's log.
type TailChunk struct {
	Entries      []replication.LogEntry
	FirstTick    replication.Tick
	LastIncluded replication.Tick
	CheckMore    bool
}

// Tail fetches up to chunkSize entries with tick > from.
func (c *LeaderClient) Tail(ctx context.Context, from replication.Tick, chunkSize int) (TailChunk, error) {
	q := url.Values{}
	q.Set("from", from.String())
	if chunkSize > 0 {
		q.Set("chunkSize", strconv.Itoa(chunkSize))
	}
	resp, err := c.do(ctx, "GET", "/_api/wal/tail", q, nil)
	if err != nil {
		return TailChunk{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TailChunk{}, statusError(resp)
	}

	var chunk TailChunk
	if chunk.FirstTick, err = replication.ParseTick(resp.Header.Get(leader.HeaderFirstTick)); err != nil {
		return TailChunk{}, fmt.Errorf("tail: %w", err)
	}
	if v := resp.Header.Get(leader.HeaderLastIncluded); v != "" {
		if chunk.LastIncluded, err = replication.ParseTick(v); err != nil {
			return TailChunk{}, fmt.Errorf("tail: %w", err)
		}
	}
	chunk.CheckMore = resp.Header.Get(leader.HeaderCheckMore) == "true"

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, maxLineSize)
	for scanner.Scan() {
		var entry replication.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return TailChunk{}, fmt.Errorf("failed to parse tail entry: %w", err)
		}
		chunk.Entries = append(chunk.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return TailChunk{}, ctx.Err()
		}
		return TailChunk{}, fmt.Errorf("%w: reading tail: %v", replication.ErrConnectionLost, err)
	}
	return chunk, nil
}

// Append logs an operation on the leader.
func (c *LeaderClient) Append(ctx context.Context, req leader.AppendRequest) (replication.LogEntry, error) {
	resp, err := c.do(ctx, "POST", "/_api/log", nil, req)
	if err != nil {
		return replication.LogEntry{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return replication.LogEntry{}, statusError(resp)
	}
	var entry replication.LogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return replication.LogEntry{}, err
	}
	return entry, nil
}

// DialStream opens the websocket stream of entries after from.
func (c *LeaderClient) DialStream(ctx context.Context, from replication.Tick) (*websocket.Conn, error) {
	wsURL := buildStreamURL(c.endpoint, from)
	header := http.Header{}
	c.setHeaders(header)

	c.requests.Add(1)
	c.logger.Debug("websocket connecting", "url", wsURL)
	conn, _, err := c.wsDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: websocket dial failed: %v", replication.ErrRemoteUnavailable, err)
	}
	return conn, nil
}

// buildStreamURL converts the leader's HTTP endpoint to its websocket stream URL.
// e.g. "https://host" -> "wss://host/_api/wal/stream?from=N"
func buildStreamURL(u *url.URL, from replication.Tick) string {
	copy := *u

	switch copy.Scheme {
	case "https":
		copy.Scheme = "wss"
	case "http":
		copy.Scheme = "ws"
	}

	copy.Path = strings.TrimSuffix(copy.Path, "/") + "/_api/wal/stream"
	q := url.Values{}
	q.Set("from", from.String())
	copy.RawQuery = q.Encode()
	return copy.String()
}
