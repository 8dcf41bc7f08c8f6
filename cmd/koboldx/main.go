package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregtusar/koboldx/api"
	"github.com/gregtusar/koboldx/internal/config"
	"github.com/gregtusar/koboldx/pkg/engine"
	"github.com/gregtusar/koboldx/pkg/feed"
	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/gregtusar/koboldx/pkg/session"
	"github.com/gregtusar/koboldx/pkg/supervisor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "koboldx",
		Short: "Derivatives terminal state engine",
		Long:  `Keeps charts, the option chain, orders and the account in sync with the terminal's market data feed`,
		RunE:  runEngine,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to the feed and serve the snapshot API",
		RunE:  runEngine,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "replay <file>",
		Short: "Replay newline-delimited frames offline and print the final state",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File != "" {
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}))
	}
	return logger
}

func startupSelection(cfg *config.Config) (models.Selection, bool) {
	if cfg.Selection.Stock == "" {
		return models.Selection{}, false
	}
	sel := models.Selection{
		Stock:     cfg.Selection.Stock,
		Intervals: cfg.Selection.StartupIntervals(cfg.Chart.DefaultInterval),
		Expiry:    cfg.Selection.Expiry,
	}
	if cfg.Selection.OptionKey != "" {
		k := cfg.Selection.OptionKey
		sel.OptionKey = &k
	}
	return sel, true
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters := session.NewCounters()
	sess := session.New(logger, counters)
	eng, err := engine.New(engine.Config{InboxSize: cfg.Engine.InboxSize, MaxBars: cfg.Chart.MaxCandles}, sess)
	if err != nil {
		return err
	}

	dialer := feed.NewWebSocketDialer(feed.WebSocketConfig{
		URL:              cfg.Feed.URL,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		PongWait:         cfg.Feed.PongWait,
		WriteWait:        cfg.Feed.WriteWait,
		ReadLimit:        cfg.Feed.ReadLimit,
	})
	sup, err := supervisor.New(supervisor.Config{
		BaseDelay:           cfg.Feed.Reconnect.BaseDelay,
		MaxDelay:            cfg.Feed.Reconnect.MaxDelay,
		Jitter:              cfg.Feed.Reconnect.Jitter,
		MaxAttempts:         cfg.Feed.Reconnect.MaxAttempts,
		HeartbeatInterval:   cfg.Feed.HeartbeatInterval,
		DirectivesPerSecond: cfg.Feed.DirectivesPerSecond,
		DirectiveBurst:      cfg.Feed.DirectiveBurst,
		OutboundBuffer:      cfg.Feed.OutboundBuffer,
	}, sess, dialer, eng.Registry(), eng.Submit)
	if err != nil {
		return err
	}
	eng.SetSender(sup)

	server := api.NewServer(eng, counters, logger, cfg.Server.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(ctx)
	})
	g.Go(func() error {
		if sel, ok := startupSelection(cfg); ok {
			if _, err := eng.RequestSelection(ctx, sel); err != nil {
				return fmt.Errorf("startup selection: %w", err)
			}
		}
		if err := sup.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		sup.Disconnect()
		return nil
	})
	g.Go(func() error {
		return server.Start(ctx)
	})

	logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"feed":       cfg.Feed.URL,
		"port":       cfg.Server.Port,
	}).Info("Terminal engine is running. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Terminal engine stopped with error")
		return err
	}
	logger.Info("Terminal engine stopped")
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg.Logging)
	// keep stdout for the JSON result
	logger.SetOutput(os.Stderr)

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	counters := session.NewCounters()
	sess := session.New(logger, counters)
	eng, err := engine.New(engine.Config{MaxBars: cfg.Chart.MaxCandles}, sess)
	if err != nil {
		return err
	}
	if sel, ok := startupSelection(cfg); ok {
		if _, err := eng.ApplySelection(sel); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), int(cfg.Feed.ReadLimit))
	frames := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		eng.Replay(append([]byte(nil), line...))
		frames++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	logger.WithField("frames", frames).Info("Replay finished")

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		State   engine.State             `json:"state"`
		Metrics session.CountersSnapshot `json:"metrics"`
	}{eng.Snapshot(), counters.Snapshot()})
}
