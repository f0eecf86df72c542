package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/asterisk-panel/internal/ami"
	"github.com/sweeney/asterisk-panel/internal/config"
	"github.com/sweeney/asterisk-panel/internal/directory"
	"github.com/sweeney/asterisk-panel/internal/lifecycle"
	"github.com/sweeney/asterisk-panel/internal/metrics"
	"github.com/sweeney/asterisk-panel/internal/monitor"
	"github.com/sweeney/asterisk-panel/internal/panel"
	"github.com/sweeney/asterisk-panel/internal/publisher"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "/etc/asterisk-panel/asterisk-panel.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var dir directory.Directory
	var roster *directory.File
	if cfg.Monitor.Directory != "" {
		f, err := directory.Open(cfg.Monitor.Directory)
		if err != nil {
			return err
		}
		roster, dir = f, f
	} else {
		log.Warn("no directory configured, no extensions will be monitored")
	}

	var pub publisher.Publisher
	if cfg.MQTT.Enabled {
		mp, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         byte(cfg.MQTT.QoS),
			StatusTopic: cfg.MQTT.TopicPrefix + "/status",
			Logger:      log.With("component", "mqtt"),
		})
		if err != nil {
			return err
		}
		pub = mp
		defer pub.Close()
	}

	var namer lifecycle.Namer
	if dir != nil {
		namer = func(ext string) string {
			names, err := directory.Names(ctx, dir)
			if err != nil {
				return ""
			}
			return names[ext]
		}
	}
	br := newBridge(pub, cfg.MQTT.TopicPrefix, lifecycle.New(lifecycle.WithNamer(namer)), log.With("component", "bridge"))
	br.setStatus(ctx, "status", "online")
	defer br.setStatus(context.Background(), "status", "offline")

	var pan *panel.Server
	mon := monitor.New(monitor.Config{
		Addr:          cfg.AMI.Addr(),
		Username:      cfg.AMI.Username,
		Secret:        cfg.AMI.Secret,
		ChannelTech:   cfg.AMI.ChannelTech,
		DialTimeout:   cfg.AMI.DialTimeout.D(),
		ActionTimeout: cfg.AMI.ActionTimeout.D(),
		EventQueue:    cfg.Monitor.EventQueue,
	},
		monitor.WithLogger(log.With("component", "monitor")),
		monitor.WithMetrics(m),
		monitor.WithClientOptions(ami.WithStateListener(func(_, _ ami.State) {
			if pan != nil {
				pan.Notify()
			}
		})),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mon.Close(closeCtx)
	}()

	panelOpts := []panel.Option{
		panel.WithLogger(log.With("component", "panel")),
		panel.WithMetrics(m, reg),
		panel.WithInterval(cfg.HTTP.BroadcastInterval.D()),
	}
	if dir != nil {
		panelOpts = append(panelOpts, panel.WithDirectory(dir))
	}
	pan = panel.New(mon, panelOpts...)
	if err := pan.LoadNames(ctx); err != nil {
		return fmt.Errorf("loading names: %w", err)
	}

	mon.RegisterEventCallback(func(f ami.Frame) {
		pan.Notify()
		br.process(ctx, f)
	})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           pan.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("panel listening", "addr", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("panel server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return pan.Run(ctx)
		})
	}

	if roster != nil {
		g.Go(func() error {
			watchReload(ctx, roster, mon, pan, log)
			return nil
		})
	}

	g.Go(func() error {
		return superviseSessions(ctx, cfg.AMI.ReconnectDelay.D(), mon, dir, br, log)
	})

	return g.Wait()
}

// superviseSessions runs sessions until ctx is done, waiting delay between
// them. A rejected login ends the loop.
func superviseSessions(ctx context.Context, delay time.Duration, mon *monitor.Monitor, dir directory.Directory, br *bridge, log *slog.Logger) error {
	for {
		err := runSession(ctx, mon, dir, br, log)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ami.ErrAuth) {
			return err
		}
		log.Error("AMI session ended", "err", err, "retry_in", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession logs in, seeds the monitored set, syncs every table and then
// follows live events until the connection ends.
func runSession(ctx context.Context, mon *monitor.Monitor, dir directory.Directory, br *bridge, log *slog.Logger) error {
	if err := mon.Connect(ctx); err != nil {
		return err
	}

	if dir != nil {
		exts, err := directory.Monitored(ctx, dir)
		if err != nil {
			disconnect(mon)
			return fmt.Errorf("loading monitored extensions: %w", err)
		}
		mon.SetMonitored(exts)
	}

	if err := mon.SyncAll(ctx); err != nil {
		disconnect(mon)
		return fmt.Errorf("initial sync: %w", err)
	}
	log.Info("AMI session ready",
		"monitored", len(mon.Monitored()),
		"statuses", len(mon.ExtensionStatuses()),
		"active_calls", len(mon.ActiveCalls()),
		"queues", len(mon.Queues()),
		"waiting", len(mon.QueueEntries()))

	if err := mon.Start(ctx); err != nil {
		disconnect(mon)
		return err
	}
	br.setStatus(ctx, "ami", "connected")
	defer br.setStatus(context.Background(), "ami", "disconnected")

	select {
	case <-mon.Done():
		if err := mon.Err(); err != nil {
			return err
		}
		return ami.ErrConnectionLost
	case <-ctx.Done():
		disconnect(mon)
		return nil
	}
}

func disconnect(mon *monitor.Monitor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	mon.Disconnect(ctx)
}

// watchReload re-reads the roster on SIGHUP and applies it.
func watchReload(ctx context.Context, roster *directory.File, mon *monitor.Monitor, pan *panel.Server, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		if err := roster.Reload(); err != nil {
			log.Warn("directory reload failed, keeping previous roster", "err", err)
			continue
		}
		exts, err := directory.Monitored(ctx, roster)
		if err != nil {
			log.Warn("directory reload failed", "err", err)
			continue
		}
		mon.SetMonitored(exts)
		if err := pan.LoadNames(ctx); err != nil {
			log.Warn("reloading names failed", "err", err)
		}
		if mon.Connected() {
			if _, err := mon.SyncExtensionStatuses(ctx); err != nil {
				log.Warn("status sync after reload failed", "err", err)
			}
		}
		pan.Notify()
		log.Info("directory reloaded", "monitored", len(exts))
	}
}
