package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"github.com/goedderz/go-replication"
	"github.com/goedderz/go-replication/applier"
	"github.com/goedderz/go-replication/leader"
)

var userAgent = "go-replication/replctl " + versioninfo.Short()

func main() {
	app := cli.Command{
		Name:  "replctl",
		Usage: "CLI client for replication appliers and leaders",
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "applier-host",
			Usage:   "method, hostname, and port of the applier control API",
			Value:   "http://localhost:8530",
			Sources: cli.EnvVars("APPLIER_HOST"),
		},
		&cli.StringFlag{
			Name:    "leader-host",
			Usage:   "method, hostname, and port of the leader",
			Value:   "http://localhost:8529",
			Sources: cli.EnvVars("LEADER_HOST"),
		},
		&cli.StringFlag{
			Name:    "target",
			Usage:   "database the applier replicates (empty for all databases)",
			Sources: cli.EnvVars("APPLIER_TARGET"),
		},
	}
	configFlag := &cli.StringFlag{
		Name:     "config",
		Usage:    "YAML applier configuration",
		Required: true,
	}
	app.Commands = []*cli.Command{
		{
			Name:   "appliers",
			Usage:  "list the state of every known applier",
			Action: runAppliers,
		},
		{
			Name:   "state",
			Usage:  "print the applier's state",
			Action: applierCall("GET", "applier-state"),
		},
		{
			Name:   "properties",
			Usage:  "print the applier's configuration",
			Action: applierCall("GET", "applier-config"),
		},
		{
			Name:   "configure",
			Usage:  "store a new applier configuration",
			Flags:  []cli.Flag{configFlag},
			Action: applierConfigCall("applier-config"),
		},
		{
			Name:  "start",
			Usage: "start continuous replication",
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:  "tick",
					Usage: "tick to start after (default: last applied tick)",
				},
				&cli.StringFlag{
					Name:  "barrier-id",
					Usage: "barrier to keep alive until the first entry is applied",
				},
			},
			Action: runStart,
		},
		{
			Name:   "stop",
			Usage:  "stop continuous replication",
			Action: applierCall("PUT", "applier-stop"),
		},
		{
			Name:   "forget",
			Usage:  "remove the applier's configuration and state",
			Action: applierCall("DELETE", "applier-state"),
		},
		{
			Name:   "sync",
			Usage:  "copy a snapshot of the leader's data",
			Flags:  []cli.Flag{configFlag},
			Action: applierConfigCall("sync"),
		},
		{
			Name:      "sync-collection",
			Usage:     "copy a snapshot of a single collection",
			ArgsUsage: "<collection>",
			Flags:     []cli.Flag{configFlag},
			Action:    runSyncCollection,
		},
		{
			Name:   "setup",
			Usage:  "sync, configure and start continuous replication",
			Flags:  []cli.Flag{configFlag},
			Action: applierConfigCall("setup"),
		},
		{
			Name:   "logger-state",
			Usage:  "print the leader's log state",
			Action: runLoggerState,
		},
		{
			Name:   "first-tick",
			Usage:  "print the oldest tick still available on the leader",
			Action: runFirstTick,
		},
		{
			Name:   "tick-ranges",
			Usage:  "print the tick ranges held by the leader",
			Action: runTickRanges,
		},
		{
			Name:      "tail",
			Usage:     "print leader log entries after a tick",
			ArgsUsage: "<tick>",
			Action:    runTail,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "chunk-size",
					Usage: "maximum number of entries to fetch",
					Value: 100,
				},
			},
		},
		{
			Name:   "append",
			Usage:  "append an operation to the leader's log (reads JSON from stdin)",
			Action: runAppend,
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println("Error:", err)
		os.Exit(-1)
	}
}

func printJSON(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

// callApplier sends a request to the applier control API and prints the
// response body.
func callApplier(ctx context.Context, cmd *cli.Command, method, path string, body any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	u := strings.TrimSuffix(cmd.String("applier-host"), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Kind         string `json:"kind"`
			ErrorMessage string `json:"errorMessage"`
		}
		if json.Unmarshal(respBytes, &e) == nil && e.ErrorMessage != "" {
			return fmt.Errorf("applier request failed (HTTP %d, %s): %s", resp.StatusCode, e.Kind, e.ErrorMessage)
		}
		return fmt.Errorf("applier request failed (HTTP %d)", resp.StatusCode)
	}
	if len(respBytes) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func targetPath(cmd *cli.Command, endpoint string) string {
	return "/_api/replication/" + applier.TargetFor(cmd.String("target")) + "/" + endpoint
}

func applierCall(method, endpoint string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		return callApplier(ctx, cmd, method, targetPath(cmd, endpoint), nil)
	}
}

func applierConfigCall(endpoint string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		req, err := replication.ReadConfigRequest(cmd.String("config"))
		if err != nil {
			return err
		}
		return callApplier(ctx, cmd, "PUT", targetPath(cmd, endpoint), req)
	}
}

func runAppliers(ctx context.Context, cmd *cli.Command) error {
	return callApplier(ctx, cmd, "GET", "/_api/replication/appliers", nil)
}

func runStart(ctx context.Context, cmd *cli.Command) error {
	var opts applier.StartOptions
	if cmd.IsSet("tick") {
		tick := replication.Tick(cmd.Uint64("tick"))
		opts.InitialTick = &tick
	}
	opts.BarrierID = cmd.String("barrier-id")
	return callApplier(ctx, cmd, "PUT", targetPath(cmd, "applier-start"), opts)
}

func runSyncCollection(ctx context.Context, cmd *cli.Command) error {
	collection := cmd.Args().First()
	if collection == "" {
		return fmt.Errorf("need to provide collection as an argument")
	}
	req, err := replication.ReadConfigRequest(cmd.String("config"))
	if err != nil {
		return err
	}
	return callApplier(ctx, cmd, "PUT", targetPath(cmd, "sync-collection"), applier.SyncCollectionRequest{
		Collection: collection,
		Config:     req,
	})
}

func leaderClient(cmd *cli.Command) (*applier.LeaderClient, error) {
	cfg, err := replication.ResolveConfig(replication.ConfigRequest{
		Endpoint: cmd.String("leader-host"),
	}, replication.SyncDefaults)
	if err != nil {
		return nil, err
	}
	return applier.NewLeaderClient(cfg, slog.Default())
}

func runLoggerState(ctx context.Context, cmd *cli.Command) error {
	c, err := leaderClient(cmd)
	if err != nil {
		return err
	}
	st, err := c.LoggerState(ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runFirstTick(ctx context.Context, cmd *cli.Command) error {
	c, err := leaderClient(cmd)
	if err != nil {
		return err
	}
	tick, err := c.FirstTick(ctx)
	if err != nil {
		return err
	}
	fmt.Println(tick)
	return nil
}

func runTickRanges(ctx context.Context, cmd *cli.Command) error {
	c, err := leaderClient(cmd)
	if err != nil {
		return err
	}
	ranges, err := c.TickRanges(ctx)
	if err != nil {
		return err
	}
	return printJSON(ranges)
}

func runTail(ctx context.Context, cmd *cli.Command) error {
	from, err := replication.ParseTick(cmd.Args().First())
	if err != nil {
		return err
	}
	c, err := leaderClient(cmd)
	if err != nil {
		return err
	}
	chunk, err := c.Tail(ctx, from, int(cmd.Int("chunk-size")))
	if err != nil {
		return err
	}
	for _, e := range chunk.Entries {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	}
	slog.Debug("tail", "first_tick", chunk.FirstTick, "last_included", chunk.LastIncluded, "check_more", chunk.CheckMore)
	return nil
}

func runAppend(ctx context.Context, cmd *cli.Command) error {
	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var req leader.AppendRequest
	if err := json.Unmarshal(inBytes, &req); err != nil {
		return err
	}
	c, err := leaderClient(cmd)
	if err != nil {
		return err
	}
	entry, err := c.Append(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(entry)
}
