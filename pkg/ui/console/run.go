// Package console is a terminal REPL that feeds typed text through the
// loaded handlers exactly as a chat message would be.
package console

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Result is what one line of input produced. An empty Handler means no unit
// replied.
type Result struct {
	Handler string
	Reply   string
}

// Session is the console's view of the handler runtime.
type Session interface {
	Dispatch(ctx context.Context, text string) (Result, error)
	// Handlers lists the currently loaded unit names; it changes on reload.
	Handlers() []string
}

func Run(ctx context.Context, session Session) error {
	program := tea.NewProgram(newModel(ctx, session, modeInteractive, ""), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

// RunOnce dispatches a single line and renders its reply.
func RunOnce(ctx context.Context, session Session, text string) error {
	program := tea.NewProgram(newModel(ctx, session, modeOneShot, text))
	_, err := program.Run()
	return err
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("231")).
		Background(lipgloss.Color("25")).
		Padding(1, 2)

	return style.Render("🐧 QQBot console closed")
}
