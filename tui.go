package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/tomaslejdung/meshchat/pkg/bridge"
	"github.com/tomaslejdung/meshchat/pkg/mesh"
	"github.com/tomaslejdung/meshchat/pkg/node"
)

// chatNode is what the TUI needs from a running node
type chatNode interface {
	bridge.Chat
	Roster() []string
	OpenCount() int
}

// eventMsg carries a node event into the program
type eventMsg node.Event

// eventsClosedMsg is sent once the node stops publishing
type eventsClosedMsg struct{}

// localMsg is a line produced by the TUI itself
type localMsg struct {
	line  string
	isErr bool
}

type tickMsg time.Time

const maxScrollback = 500

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selfStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	peerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	// Keybind styles
	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	chatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

type model struct {
	ctx    context.Context
	chat   chatNode
	events <-chan node.Event

	input    textinput.Model
	viewport viewport.Model
	lines    []string

	links []mesh.LinkInfo

	width  int
	height int
}

func initialModel(ctx context.Context, chat chatNode, events <-chan node.Event) model {
	input := textinput.New()
	input.Placeholder = "Type a message or /help"
	input.CharLimit = 2000
	input.Focus()

	return model{
		ctx:      ctx,
		chat:     chat,
		events:   events,
		input:    input,
		viewport: viewport.New(80, 20),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		waitEvent(m.events),
		tickCmd(),
		textinput.Blink,
		tea.SetWindowTitle("meshchat - "+m.chat.Username()),
	)
}

func waitEvent(ch <-chan node.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func logLine(line string, isErr bool) tea.Cmd {
	return func() tea.Msg { return localMsg{line: line, isErr: isErr} }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			if strings.HasPrefix(line, "/") {
				return m, m.handleCommand(line)
			}
			sent, err := m.chat.Send(line)
			if err != nil {
				return m, logLine("send failed: "+err.Error(), true)
			}
			if sent == 0 {
				return m, logLine("no peers connected, message not delivered", false)
			}
			return m, nil
		}

	case eventMsg:
		m.addEvent(node.Event(msg))
		if msg.Kind == node.EventLink {
			m.links = m.chat.Links()
		}
		return m, waitEvent(m.events)

	case eventsClosedMsg:
		return m, tea.Quit

	case localMsg:
		if msg.isErr {
			m.addLine(errorStyle.Render("[error] " + msg.line))
		} else {
			m.addLine(dimStyle.Render("[system] " + msg.line))
		}
		return m, nil

	case tickMsg:
		m.links = m.chat.Links()
		return m, tickCmd()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleCommand runs a slash command. Commands that talk to the tracker run
// as tea.Cmds; their outcome arrives as node events.
func (m *model) handleCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/quit", "/q":
		return tea.Quit
	case "/help":
		return logLine("commands: /join <#channel>, /create <#channel>, /list, /peers, /quit", false)
	case "/join", "/create":
		if len(args) != 1 {
			return logLine("usage: "+name+" <#channel>", true)
		}
		channel := args[0]
		ctx, chat := m.ctx, m.chat
		if name == "/join" {
			return func() tea.Msg {
				_ = chat.SwitchChannel(ctx, channel)
				return nil
			}
		}
		return func() tea.Msg {
			_ = chat.CreateChannel(ctx, channel)
			return nil
		}
	case "/list":
		ctx, chat := m.ctx, m.chat
		return func() tea.Msg {
			channels, err := chat.ListChannels(ctx)
			if err != nil {
				return localMsg{line: "could not list channels: " + err.Error(), isErr: true}
			}
			return localMsg{line: "channels: " + strings.Join(channels, ", ")}
		}
	case "/peers":
		roster := lo.Without(m.chat.Roster(), m.chat.Username())
		if len(roster) == 0 {
			return logLine("no other users in "+m.chat.Channel(), false)
		}
		return logLine("users in "+m.chat.Channel()+": "+strings.Join(roster, ", "), false)
	}
	return logLine("unknown command "+name+", try /help", true)
}

func (m *model) addEvent(ev node.Event) {
	stamp := dimStyle.Render(ev.At.Format("15:04"))
	switch ev.Kind {
	case node.EventChat:
		from := peerStyle.Render(ev.From)
		if ev.From == m.chat.Username() {
			from = selfStyle.Render(ev.From)
		}
		m.addLine(fmt.Sprintf("%s %s: %s", stamp, from, ev.Text))
	case node.EventError:
		m.addLine(stamp + " " + errorStyle.Render(ev.String()))
	default:
		m.addLine(stamp + " " + dimStyle.Render(ev.String()))
	}
}

func (m *model) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *model) resize() {
	// header, status, help and input lines plus the box border
	m.viewport.Width = max(20, m.width-4)
	m.viewport.Height = max(3, m.height-7)
	m.input.Width = max(10, m.width-4)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("meshchat"))
	b.WriteString("  ")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(chatBoxStyle.Render(m.viewport.View()))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

// renderStatus shows who we are, where we are and the state of every link
func (m model) renderStatus() string {
	open := lo.CountBy(m.links, func(l mesh.LinkInfo) bool { return l.State == mesh.StateOpen })
	status := statusStyle.Render(fmt.Sprintf("%s @ %s  Peers: %d", m.chat.Username(), m.chat.Channel(), open))

	if len(m.links) == 0 {
		return status
	}
	parts := lo.Map(m.links, func(l mesh.LinkInfo, _ int) string {
		label := l.Peer + " " + l.State.String()
		if l.ConnectionType != "" {
			label += " (" + l.ConnectionType + ")"
		}
		return label
	})
	return status + "  " + dimStyle.Render(strings.Join(parts, ", "))
}

func (m model) renderHelp() string {
	sep := keySepStyle.Render(" | ")
	return keyStyle.Render("enter") + dimStyle.Render(" send") + sep +
		keyStyle.Render("/join /create /list /peers") + sep +
		keyStyle.Render("pgup/pgdn") + dimStyle.Render(" scroll") + sep +
		keyStyle.Render("esc") + dimStyle.Render(" quit")
}

// RunTUI runs the chat UI until the user quits or ctx is cancelled
func RunTUI(ctx context.Context, chat chatNode, events <-chan node.Event) error {
	defer chat.Unsubscribe(events)

	p := tea.NewProgram(
		initialModel(ctx, chat, events),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
