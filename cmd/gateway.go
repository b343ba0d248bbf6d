package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"qqbot/pkg/auth"
	"qqbot/pkg/channel/qq"
	"qqbot/pkg/config"
	"qqbot/pkg/gateway"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Connect to QQ and serve the loaded handlers",
	Long:  "Runs qqbot against the QQ event stream with hot reload, health, readiness and metrics endpoints. Exits non-zero when the stream fails.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, closeLog, err := bootstrap(false)
		if err != nil {
			return err
		}
		defer closeLog()
		log := slog.Default().With("component", "cmd.gateway")

		deps, err := platformDeps(cfg, slog.Default())
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		runCtx, stop := runContext(cmd)
		defer stop()

		svc, err := gateway.NewService(cfg, deps, slog.Default())
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		log.Info("Gateway started", "channel", deps.Adapter.Name(), "handlers_dir", cfg.Plugins.Dir, "workers", cfg.Dispatch.Workers, "watch", cfg.Plugins.Watch)
		if err := svc.Run(runCtx); err != nil {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// platformDeps builds the QQ-facing collaborators from configuration.
func platformDeps(cfg *config.Config, log *slog.Logger) (gateway.Deps, error) {
	conn, err := qq.NewConn(cfg.Gateway.WSURL, cfg.Gateway.PingInterval, log)
	if err != nil {
		return gateway.Deps{}, fmt.Errorf("configure qq channel: %w", err)
	}

	identity := auth.NewIdentityClient(cfg.Bot.TokenURL, cfg.Bot.AppID, cfg.Bot.ClientSecret)
	identity.HTTPClient = &http.Client{Timeout: cfg.Delivery.RequestTimeout}

	sender := qq.NewSender(qq.SenderOptions{
		BaseURL: cfg.Bot.APIBaseURL,
		Rate:    cfg.Delivery.Rate,
		Burst:   cfg.Delivery.Burst,
		Timeout: cfg.Delivery.RequestTimeout,
	}, log)

	return gateway.Deps{Adapter: conn, Tokens: identity, Sender: sender}, nil
}

// runContext is cancelled on SIGINT or SIGTERM.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
