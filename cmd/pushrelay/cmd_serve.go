package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/user/pushrelay/internal/classifier"
	"github.com/user/pushrelay/internal/clock"
	"github.com/user/pushrelay/internal/config"
	"github.com/user/pushrelay/internal/delivery"
	"github.com/user/pushrelay/internal/gate"
	"github.com/user/pushrelay/internal/gateway"
	"github.com/user/pushrelay/internal/metrics"
	"github.com/user/pushrelay/internal/pushsink"
	"github.com/user/pushrelay/internal/scheduler"
	"github.com/user/pushrelay/internal/server"
	"github.com/user/pushrelay/internal/store/redisstore"
	"github.com/user/pushrelay/internal/types"
	"github.com/user/pushrelay/internal/watchlog"
)

const connectionGaugeSchedule = "@every 15s"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// openPushSink connects the configured push backend. The returned cleanup
// is never nil.
func openPushSink(ctx context.Context, cfg *config.Config, store *redisstore.Store, retry *gateway.RetryPolicy) (types.PushSink, func(), error) {
	switch cfg.Push.Backend {
	case "", "redis":
		return store.PushSink(), func() {}, nil
	case "mqtt":
		var client mqtt.Client
		err := retry.Execute(ctx, "mqtt", func(context.Context) error {
			c, err := pushsink.Connect(pushsink.Options{
				Broker:   cfg.Push.MQTT.Broker,
				ClientID: cfg.Push.MQTT.ClientID,
				Username: cfg.Push.MQTT.Username,
				Password: cfg.Push.MQTT.Password,
			})
			client = c
			return err
		})
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect to mqtt broker: %w", err)
		}
		sink := pushsink.New(client, cfg.Push.Prefix, byte(cfg.Push.MQTT.QoS))
		return sink, func() { client.Disconnect(250) }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown push backend %q", cfg.Push.Backend)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Store
	store := redisstore.New(redisstore.OptionsFromConfig(cfg))
	defer store.Close()
	retry := gateway.DefaultRetryPolicy()
	if err := retry.Execute(ctx, "redis", store.Ping); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// Push backend
	sink, closeSink, err := openPushSink(ctx, cfg, store, retry)
	if err != nil {
		return err
	}
	defer closeSink()

	// Connection gate
	if cfg.Gate.Secret == "" {
		slog.Warn("gate secret is empty; only handshakes with an empty pass are accepted")
	}
	g := gate.New(cfg.Gate.Secret, cfg.HandshakeTimeout())

	// Watch log and optional archive
	var sinks []watchlog.Sink
	var archive server.ArchiveCounter
	var jobs []scheduler.Job
	if cfg.ArchiveEnabled() {
		sqlSink, err := watchlog.NewSQLSinkFromDSN(cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("open watch log archive: %w", err)
		}
		defer sqlSink.Close()
		sinks = append(sinks, sqlSink)
		archive = sqlSink
		jobs = append(jobs, scheduler.PruneArchive(sqlSink, cfg.Archive.PruneSchedule, cfg.ArchiveRetention()))
	}
	var tail server.ArchiveTailer
	if cfg.Archive.FileDir != "" {
		fileSink := watchlog.NewFileSink(cfg.Archive.FileDir)
		sinks = append(sinks, fileSink)
		tail = fileSink
		if archive == nil {
			archive = fileSink
		}
	}
	wl := watchlog.New(store, cfg.Prefixes.WatchLog, cfg.WatchLogLifetime(), sinks...)

	// Clock and pipeline
	synchronizer := clock.New(store, cfg.Sync.Channel, clock.PolicyFromConfig(cfg))
	gw := gateway.New(gateway.Options{
		Source:         store,
		Classifier:     classifier.New(classifier.RulesFromConfig(cfg), synchronizer),
		Subscriptions:  store,
		Events:         store,
		Clock:          synchronizer,
		PushSink:       sink,
		Registry:       delivery.NewStandardRegistry(sink, g, cfg.WebhookTimeout()),
		WatchLog:       wl,
		LogLifetime:    cfg.LogLifetime(),
		RejectionGrace: cfg.ExpireOnRejection(),
		MaxConcurrent:  int64(cfg.MaxConcurrent),
	})
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Stop()

	go func() {
		if err := synchronizer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("clock synchronizer stopped", "error", err)
		}
	}()

	// Scheduler
	jobs = append(jobs, scheduler.RefreshConnections(g, connectionGaugeSchedule))
	sched := scheduler.New(jobs...)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	slog.Info("pushrelay started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"redis", cfg.Redis.Addr,
		"push_backend", cfg.Push.Backend,
		"max_concurrent", cfg.MaxConcurrent,
		"sync_id", string(synchronizer.ID()),
		"archive", cfg.ArchiveEnabled(),
		"pid_file", pidPath,
	)

	// HTTP server
	if cfg.HTTP.Enabled {
		srv := server.NewServer(server.Options{
			Clock:       synchronizer,
			Connections: g,
			Gate:        gate.NewHandler(g),
			Archive:     archive,
			Tail:        tail,
		})
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: srv,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
