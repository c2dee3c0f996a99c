package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgarzik/brainpro/internal/gateway"
	"github.com/spf13/cobra"
)

func buildGatewayCmd() *cobra.Command {
	var (
		listenAddr string
		socketPath string
		token      string
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "run the WebSocket gateway in front of a running agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(listenAddr, socketPath, token)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP/WebSocket bind address (default :8787 or gateway.listen_addr)")
	cmd.Flags().StringVar(&socketPath, "daemon-socket", "", "agent daemon Unix socket to multiplex onto")
	cmd.Flags().StringVar(&token, "token", "", "gateway handshake shared secret (default: $BRAINPRO_GATEWAY_TOKEN)")
	return cmd
}

// runGateway resolves each setting in precedence order: CLI flag, then
// config file, then environment/default.
func runGateway(listenAddr, socketPath, token string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if listenAddr == "" {
		listenAddr = cfg.Gateway.ListenAddr
	}
	if listenAddr == "" {
		listenAddr = ":8787"
	}
	if socketPath == "" {
		socketPath = cfg.Gateway.DaemonSocketPath
	}
	if socketPath == "" {
		socketPath = defaultSocketPath()
	}
	if token == "" {
		token = cfg.Gateway.Token
	}
	if token == "" {
		token = os.Getenv("BRAINPRO_GATEWAY_TOKEN")
	}

	srv := gateway.New(gateway.Config{
		ListenAddr:       listenAddr,
		DaemonSocketPath: socketPath,
		GatewayToken:     token,
		Logger:           logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.ListenAndServe(ctx)
}
