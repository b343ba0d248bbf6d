/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"qqbot/pkg/gateway"
	"qqbot/pkg/handler"
	"qqbot/pkg/registry"
)

var pluginsDir string

// pluginsCmd represents the plugins command
var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Load the handler directory and list what it provides",
	Long:  "Loads every handler source the gateway would load, prints a table of units and their capabilities, then unloads them. Exits non-zero if any source fails to load.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, closeLog, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer closeLog()

		if dir := strings.TrimSpace(pluginsDir); dir != "" {
			cfg.Plugins.Dir = dir
		}

		rt, err := gateway.NewRuntime(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer rt.Close(context.WithoutCancel(cmd.Context()))

		loadErr := rt.Load(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), renderUnits(rt.Registry.Snapshot()))
		if loadErr != nil {
			return fmt.Errorf("some handlers failed to load: %w", loadErr)
		}
		return nil
	},
}

func init() {
	pluginsCmd.Flags().StringVar(&pluginsDir, "dir", "", "handler directory (defaults to plugins.dir)")
	rootCmd.AddCommand(pluginsCmd)
}

func renderUnits(snapshot registry.Snapshot) string {
	if snapshot.Len() == 0 {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render("no handlers loaded")
	}

	rows := make([][]string, 0, snapshot.Len())
	for _, unit := range snapshot {
		rows = append(rows, []string{
			unit.Name(),
			unit.Source(),
			unit.State().String(),
			strings.Join(handler.Capabilities(unit.Handler()), ","),
			unit.Handler().Description(),
		})
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("67"))).
		Headers("NAME", "SOURCE", "STATE", "CAPABILITIES", "DESCRIPTION").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		String()
}
