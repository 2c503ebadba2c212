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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"qchat-relay/internal/broker"
	"qchat-relay/internal/config"
	"qchat-relay/internal/filesystem"
	"qchat-relay/internal/linebuf"
	"qchat-relay/internal/realtime"
	"qchat-relay/internal/relay"
	"qchat-relay/internal/session"
)

var (
	configPath string
	namespace  string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "qchat-relay",
		Short:         "Relay chat CLI sessions to remote clients",
		Long:          `qchat-relay runs one chat process per client session and relays its output over a topic broker.`,
		RunE:          runServer,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (hjson, json or yaml)")
	rootCmd.Flags().StringVar(&namespace, "namespace", "", "topic namespace (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader()
	path := configPath
	if path == "" {
		if found, err := loader.FindConfig("."); err == nil {
			path = found
		}
	}
	cfg, err := loader.Load(path)
	if err != nil {
		return err
	}
	if namespace != "" {
		cfg.Namespace = namespace
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	b, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	var spawner session.Spawner = session.PTYSpawner{}
	if cfg.Session.Spawner == "pipe" {
		spawner = session.PipeSpawner{}
	}

	router := relay.New(relay.Options{
		Namespace: cfg.Namespace,
		Broker:    b,
		Sessions: session.Config{
			Command:     cfg.Session.CommandArgv(),
			Env:         cfg.Session.Env,
			BaseDir:     cfg.Session.BaseDir,
			MaxSessions: cfg.Session.MaxSessions,
			StopGrace:   cfg.Session.StopGraceDuration(),
			Buffer: linebuf.Config{
				MaxLines: cfg.Batch.MaxLines,
				MaxWait:  cfg.Batch.MaxWaitDuration(),
			},
		},
		Spawner:       spawner,
		Filesystem:    filesystem.New(cfg.Files.MaxReadBytes),
		WatchChanges:  cfg.Files.WatchChanges,
		WatchDebounce: cfg.Files.WatchDebounceDuration(),
		Logger:        logger,
	})

	gateway := realtime.New(b, cfg.Namespace, router.Registry(), cfg.Server.StaticDir, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: gateway.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error {
		logger.Info("relay server running",
			"addr", httpServer.Addr,
			"namespace", cfg.Namespace,
			"transport", cfg.Transport.Kind,
			"command", cfg.Session.Command)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	return g.Wait()
}

func newBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.Transport.Kind != config.TransportMQTT {
		return broker.NewMemory(logger), nil
	}
	m := cfg.Transport.MQTT
	b, err := broker.DialMQTT(broker.MQTTConfig{
		URL:            m.URL,
		Username:       m.Username,
		Password:       m.Password,
		QoS:            byte(m.QoS),
		ConnectTimeout: m.ConnectTimeoutDuration(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", err)
	}
	return b, nil
}
