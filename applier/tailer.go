package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/goedderz/go-replication"
	"github.com/goedderz/go-replication/leader"
)

// streamReadTimeout is the websocket read deadline. The leader pings idle
// streams well within it, so expiry means the connection is dead.
const streamReadTimeout = 2 * leader.StreamPingInterval

var (
	// errOutdatedCursor is returned by tailStream when the leader closes the
	// stream with an OutdatedCursor reason; the paginated tail then decides
	// whether data is really gone.
	errOutdatedCursor = errors.New("outdated cursor")

	// errCaughtUp is returned by tailPaginated once the leader reports no
	// further entries, at which point streaming is resumed.
	errCaughtUp = errors.New("caught up with leader")
)

// LogTailer reads the leader's log in tick order, starting after a given
// tick.
type LogTailer struct {
	client    *LeaderClient
	target    string
	chunkSize int
	logger    *slog.Logger
}

func NewLogTailer(client *LeaderClient, target string, chunkSize int, logger *slog.Logger) *LogTailer {
	if chunkSize <= 0 {
		chunkSize = replication.DefaultChunkSize
	}
	return &LogTailer{
		client:    client,
		target:    target,
		chunkSize: chunkSize,
		logger:    logger.With("component", "tailer"),
	}
}

// Stream delivers every entry with tick > from to out, in strictly increasing
// tick order, until ctx is cancelled or an error occurs. It does not close
// out.
//
// It starts on the websocket stream. If the leader reports the cursor as
// outdated, it falls back to the paginated tail, which either detects a gap
// (ErrDataGone) or catches up, after which streaming resumes.
func (t *LogTailer) Stream(ctx context.Context, from replication.Tick, out chan<- replication.LogEntry) error {
	recordMode := func(attr attribute.KeyValue) {
		other := TailModePaginated
		if attr == TailModePaginated {
			other = TailModeStream
		}
		TailModeGauge.Record(ctx, 1, metric.WithAttributes(attr, attribute.String("target", t.target)))
		TailModeGauge.Record(ctx, 0, metric.WithAttributes(other, attribute.String("target", t.target)))
	}

	cursor := replication.NewCursor(from)
	for {
		recordMode(TailModeStream)
		t.logger.Debug("starting stream tail", "from", cursor.Tick())
		err := t.tailStream(ctx, &cursor, out)
		if !errors.Is(err, errOutdatedCursor) {
			return err
		}

		t.logger.Info("cursor outdated for stream, falling back to paginated", "from", cursor.Tick())
		recordMode(TailModePaginated)
		for {
			err := t.tailPaginated(ctx, &cursor, out)
			if errors.Is(err, errCaughtUp) {
				t.logger.Info("caught up, switching to stream", "from", cursor.Tick())
				break
			}
			if err != nil {
				return err
			}
		}
	}
}

// deliver passes entry on if it lies after the cursor. Replayed entries are
// dropped; entries behind the cursor mean the leader broke tick order.
func (t *LogTailer) deliver(ctx context.Context, cursor *replication.Cursor, entry replication.LogEntry, out chan<- replication.LogEntry) error {
	if cursor.Compare(entry.Tick) == 0 {
		return nil
	}
	next, err := cursor.Advance(entry.Tick)
	if err != nil {
		return err
	}
	select {
	case out <- entry:
	case <-ctx.Done():
		return ctx.Err()
	}
	*cursor = next
	return nil
}

// tailStream reads entries from the websocket stream until an error occurs.
func (t *LogTailer) tailStream(ctx context.Context, cursor *replication.Cursor, out chan<- replication.LogEntry) error {
	conn, err := t.client.DialStream(ctx, cursor.Tick())
	if err != nil {
		return err
	}

	// ReadMessage doesn't accept a context, so close the connection to
	// interrupt it on cancellation.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)
	defer conn.Close()

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	t.logger.Debug("websocket connected", "from", cursor.Tick())
	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text == leader.CloseOutdatedCursor {
				return errOutdatedCursor
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: websocket read: %v", replication.ErrConnectionLost, err)
		}

		var entry replication.LogEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return fmt.Errorf("failed to parse stream message: %w", err)
		}
		if err := t.deliver(ctx, cursor, entry, out); err != nil {
			return err
		}
	}
}

// tailPaginated fetches chunks from the paginated tail endpoint until the
// leader has nothing more (errCaughtUp) or an error occurs.
func (t *LogTailer) tailPaginated(ctx context.Context, cursor *replication.Cursor, out chan<- replication.LogEntry) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := t.client.Tail(ctx, cursor.Tick(), t.chunkSize)
		if err != nil {
			return err
		}
		if err := cursor.CheckGap(chunk.FirstTick); err != nil {
			return err
		}
		for _, entry := range chunk.Entries {
			if err := t.deliver(ctx, cursor, entry, out); err != nil {
				return err
			}
		}
		if !chunk.CheckMore {
			return errCaughtUp
		}
	}
}
