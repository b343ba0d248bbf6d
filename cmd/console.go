/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"qqbot/pkg/dispatch"
	"qqbot/pkg/gateway"
	"qqbot/pkg/handler"
	"qqbot/pkg/registry"
	"qqbot/pkg/ui/console"
)

const (
	consoleGroupID = "console-group"
	consoleUserID  = "console-user"
)

var (
	consoleDirect bool
	consoleOnce   string
)

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Talk to the loaded handlers from the terminal",
	Long:  "Loads the handler directory and feeds typed lines through the handlers the way a QQ message would be, without connecting to QQ. Replies are shown locally.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, closeLog, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer closeLog()

		// The terminal belongs to the UI; only a log file keeps output.
		if strings.TrimSpace(cfg.Logging.File) == "" {
			slog.SetDefault(slog.New(slog.DiscardHandler))
		}

		ctx, stop := runContext(cmd)
		defer stop()

		rt, err := gateway.NewRuntime(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer rt.Close(context.WithoutCancel(ctx))

		if err := rt.Load(ctx); err != nil {
			slog.Warn("Some handlers failed to load", "error", err)
		}
		if watcher := rt.Watcher(); watcher != nil {
			go func() {
				_ = watcher.Run(ctx)
			}()
		}

		session := newConsoleSession(rt.Registry, consoleDirect)
		if text := strings.TrimSpace(consoleOnce); text != "" {
			return console.RunOnce(ctx, session, text)
		}
		return console.Run(ctx, session)
	},
}

func init() {
	consoleCmd.Flags().BoolVar(&consoleDirect, "direct", false, "treat input as a direct message instead of a group mention")
	consoleCmd.Flags().StringVar(&consoleOnce, "once", "", "dispatch one line, print the reply and exit")
	rootCmd.AddCommand(consoleCmd)
}

type unitSource interface {
	Snapshot() registry.Snapshot
}

// consoleSession dispatches typed lines against the live registry snapshot.
type consoleSession struct {
	units  unitSource
	direct bool
}

func newConsoleSession(units unitSource, direct bool) *consoleSession {
	return &consoleSession{units: units, direct: direct}
}

func (s *consoleSession) Dispatch(ctx context.Context, text string) (console.Result, error) {
	cc := handler.CommandContext{GroupID: consoleGroupID, MemberID: consoleUserID}
	if s.direct {
		cc = handler.CommandContext{UserID: consoleUserID}
	}

	var failures []error
	name, reply := dispatch.FirstReply(ctx, s.units.Snapshot(), text, cc, func(unit string, err error) {
		failures = append(failures, fmt.Errorf("%s: %w", unit, err))
	})
	if !reply.Present() && len(failures) > 0 {
		return console.Result{}, errors.Join(failures...)
	}

	return console.Result{Handler: name, Reply: reply.String()}, nil
}

func (s *consoleSession) Handlers() []string {
	return s.units.Snapshot().Names()
}
