package logbook

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle      = lipgloss.NewStyle().Bold(true)
	keyStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	purchaseStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	engagementStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	mutedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Render draws a snapshot, one line per session.
func Render(entries []Entry) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Logs:"))
	b.WriteString("\n\n")
	for _, e := range entries {
		b.WriteString(keyStyle.Render("[" + e.Key + "]:"))
		for _, d := range e.Descriptions {
			b.WriteString(" ")
			b.WriteString(styleDescription(d))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// styleDescription colours a description. Beacon descriptions list several event
// names joined by ", "; each name is styled on its own.
func styleDescription(d string) string {
	if strings.HasPrefix(d, "page closed") || strings.HasPrefix(d, "[") {
		return mutedStyle.Render(d)
	}
	names := strings.Split(d, ", ")
	for i, name := range names {
		names[i] = styleName(name)
	}
	return strings.Join(names, ", ")
}

func styleName(name string) string {
	switch {
	case name == "purchase":
		return purchaseStyle.Render(name)
	case strings.HasPrefix(name, "user_engagement"):
		return engagementStyle.Render(name)
	}
	return name
}

// Console is a Sink that redraws the whole snapshot on a terminal.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	clear bool
}

// NewConsole returns a Console writing to w. When clear is set the screen is
// wiped before every redraw.
func NewConsole(w io.Writer, clear bool) *Console {
	return &Console{w: w, clear: clear}
}

func (c *Console) Update(entries []Entry) {
	out := Render(entries)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clear {
		fmt.Fprint(c.w, "\033[H\033[2J")
	}
	fmt.Fprint(c.w, out)
}
