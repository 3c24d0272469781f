package commands

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/corvidai/corvid-core/internal/eventbus"
)

var (
	styleUser  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	styleTool  = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("3"))
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// turnEventMsg wraps one eventbus.TurnEvent as a bubbletea message; the
// orchestrator's subscriber goroutine forwards every published event here.
type turnEventMsg struct {
	ev eventbus.TurnEvent
}

// turnDoneMsg signals RunTurn has returned, successfully or not.
type turnDoneMsg struct {
	err error
}

type chatModel struct {
	prompt   string
	content  string
	viewport viewport.Model
	spinner  spinner.Model
	done     bool
	finalErr error
}

func newChatModel(prompt string) chatModel {
	vp := viewport.New(80, 20)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return chatModel{prompt: prompt, viewport: vp, spinner: sp}
}

func (m chatModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 2
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil

	case turnEventMsg:
		switch msg.ev.Kind {
		case eventbus.KindDelta, eventbus.KindReasoning:
			m.content += msg.ev.Text
			m.viewport.SetContent(m.content)
			m.viewport.GotoBottom()
		case eventbus.KindToolCallStart:
			m.content += styleTool.Render(fmt.Sprintf("\n[calling %s...]\n", msg.ev.ToolName))
			m.viewport.SetContent(m.content)
			m.viewport.GotoBottom()
		case eventbus.KindToolCallResult:
			tag := "ok"
			if !msg.ev.Success {
				tag = "error"
			}
			m.content += styleTool.Render(fmt.Sprintf("[%s %s: %s]\n", msg.ev.ToolName, tag, msg.ev.ResultText))
			m.viewport.SetContent(m.content)
			m.viewport.GotoBottom()
		}
		return m, nil

	case turnDoneMsg:
		m.done = true
		m.finalErr = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m chatModel) View() string {
	header := styleUser.Render("you: " + m.prompt)
	footer := "press q to quit"
	if !m.done {
		footer = m.spinner.View() + " streaming... (q to quit)"
	}
	if m.finalErr != nil {
		footer = styleError.Render("error: " + m.finalErr.Error())
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s", header, m.viewport.View(), footer)
}
