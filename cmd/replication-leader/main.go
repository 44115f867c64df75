package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/goedderz/go-replication/leader"
)

func main() {
	cmd := &cli.Command{
		Name:  "replication-leader",
		Usage: "in-memory leader serving an operation log over the replication protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":8529",
				Sources: cli.EnvVars("LEADER_BIND"),
			},
			&cli.IntFlag{
				Name:    "retain",
				Usage:   "number of log entries to retain (0 = unbounded); barriers hold entries beyond it",
				Value:   100000,
				Sources: cli.EnvVars("LEADER_RETAIN"),
			},
			&cli.DurationFlag{
				Name:    "status-interval",
				Usage:   "how often to log the log's state (0 = never)",
				Value:   time.Minute,
				Sources: cli.EnvVars("STATUS_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("LOG_JSON"),
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cmd.Bool("log-json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	log := leader.NewLog(int(cmd.Int("retain")), versioninfo.Short())
	server := leader.NewServer(log, cmd.String("bind"), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})

	if interval := cmd.Duration("status-interval"); interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					st := log.State()
					logger.Info("log status",
						"last_tick", st.State.LastLogTick,
						"first_tick", log.FirstTick(),
						"total_events", st.State.TotalEvents,
						"barriers", log.Barriers().Len(),
					)
				}
			}
		})
	}

	return g.Wait()
}
