package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gatekeeper-io/gatekeeper/internal/ctlclient"
)

var (
	colorAccent = lipgloss.Color("#4ECDC4")
	colorMuted  = lipgloss.Color("#6c757d")
	colorAlert  = lipgloss.Color("#FF6B6B")

	styleHeader = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(colorMuted).Padding(0, 1)
	styleMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	styleError  = lipgloss.NewStyle().Foreground(colorAlert)
	stylePrompt = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
)

// replModel is the interactive console's state: an input box, a scrolling
// log of command/response pairs, and the connected client. It mirrors the
// teacher's console.go entrypoint shape (tea.NewProgram(..., WithAltScreen))
// while replacing the multi-view dashboard with a single command line,
// since the gatekeeper's whole surface is a handful of imperative verbs.
type replModel struct {
	input  textinput.Model
	client *ctlclient.Client
	lines  []string
	err    error
}

func newREPLModel(c *ctlclient.Client) replModel {
	ti := textinput.New()
	ti.Placeholder = "block 8080"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60
	return replModel{
		input:  ti,
		client: c,
		lines:  []string{"Connected. Type a command, or 'help'."},
	}
}

func (m replModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			m.lines = append(m.lines, stylePrompt.Render("> ")+line)
			if line == "quit" || line == "exit" {
				return m, tea.Quit
			}
			m.runLine(line)
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// runLine executes one REPL command line against the client, appending its
// result to the scrollback. Errors never terminate the session.
func (m *replModel) runLine(line string) {
	if line == "help" {
		m.lines = append(m.lines, styleMuted.Render(
			"commands: status, logs [n], list ports, list accepts, block <port>, "+
				"unblock <port>, accept <addr> <port>, unaccept <addr> [port], disconnect, quit"))
		return
	}

	args := strings.Fields(line)
	out, err := runOneShot(m.client, args)
	if err != nil {
		m.lines = append(m.lines, styleError.Render("error: "+err.Error()))
		return
	}
	if out != "" {
		m.lines = append(m.lines, out)
	}
}

func (m replModel) View() string {
	var b strings.Builder
	b.WriteString(styleHeader.Render("gatekeeper-cli") + "\n\n")

	start := 0
	if len(m.lines) > 20 {
		start = len(m.lines) - 20
	}
	for _, line := range m.lines[start:] {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + m.input.View() + "\n")
	b.WriteString(styleMuted.Render("ctrl+c or esc to quit"))
	return b.String()
}

// runREPL dials the daemon and starts the interactive console.
func runREPL(addr, accessKey string, secure bool) error {
	if accessKey == "" {
		return fmt.Errorf("--access-key is required")
	}
	c, err := ctlclient.Dial(addr, []byte(accessKey), secure)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer c.Close()

	p := tea.NewProgram(newREPLModel(c), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
