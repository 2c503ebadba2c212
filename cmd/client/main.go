package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"qchat-relay/internal/client"
	"qchat-relay/internal/config"
	"qchat-relay/internal/realtime"
	"qchat-relay/internal/terminal"
)

var (
	configPath string
	serverURL  string
	namespace  string
	clientID   string
	workDir    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "qchat",
		Short:         "Terminal client for a qchat relay",
		Long:          `qchat connects to a relay server and multiplexes chat sessions in a line-mode terminal.`,
		RunE:          runClient,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (hjson, json or yaml)")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "relay websocket url (overrides config)")
	rootCmd.Flags().StringVar(&namespace, "namespace", "", "topic namespace (overrides config)")
	rootCmd.Flags().StringVar(&clientID, "client-id", "", "client id (random when empty)")
	rootCmd.Flags().StringVarP(&workDir, "dir", "d", "", "start the first session in this directory")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}
	if namespace != "" {
		cfg.Namespace = namespace
	}
	if clientID != "" {
		cfg.Client.ClientID = clientID
	}

	logger := cfg.Logging.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := cfg.Client.ClientID
	if id == "" {
		id = uuid.New().String()
	}
	conn, err := realtime.Dial(ctx, cfg.Client.ServerURL, id, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	v := &view{out: os.Stdout}
	mux := client.New(client.Options{
		Namespace:  cfg.Namespace,
		ClientID:   id,
		Broker:     conn,
		Sink:       v,
		Scrollback: cfg.Client.Scrollback,
		Terminal: terminal.Config{
			LongContent:       cfg.Client.LongContent,
			ThinkingRemainder: cfg.Client.ThinkingRemainder,
			BotPhrases:        cfg.Client.BotPhrases,
			SelectionPhrases:  cfg.Client.SelectionPhrases,
		},
		Logger: logger,
	})
	v.mux = mux

	unsubscribe, err := mux.Listen()
	if err != nil {
		return err
	}
	defer unsubscribe()

	first := mux.CreateSession("")
	if err := mux.Start(ctx, first.ID, workDir); err != nil {
		return err
	}
	fmt.Println(helpText)

	r := &repl{mux: mux, out: os.Stdout}
	errCh := make(chan error, 1)
	go func() { errCh <- r.run(ctx, os.Stdin) }()

	select {
	case err := <-errCh:
		return err
	case <-conn.Done():
		return fmt.Errorf("relay connection lost: %w", conn.Err())
	case <-ctx.Done():
		return nil
	}
}
