// Package tuirenderer implements renderer.Renderer as a scrolling
// bubbletea terminal pane, grounded on batalabs-muxd's internal/tui model
// (tea.Msg-per-event, a running *tea.Program fed via Program.Send from
// goroutines outside the TUI's own event loop).
package tuirenderer

import (
	"context"
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/renderer"
)

// activityMsg carries one pushed Activity into the bubbletea event loop.
type activityMsg struct {
	sessionID string
	activity  model.Activity
}

// attachMsg/detachMsg track session lifecycle for the pane header.
type attachMsg struct {
	sessionID string
	metadata  renderer.Metadata
}
type detachMsg struct{ sessionID string }

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type paneModel struct {
	lines    []string
	sessions map[string]renderer.Metadata
	width    int
	height   int
}

func (m paneModel) Init() tea.Cmd { return nil }

func (m paneModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case attachMsg:
		m.sessions[msg.sessionID] = msg.metadata
		m.lines = append(m.lines, headerStyle.Render(fmt.Sprintf("== attached %s (%s) ==", msg.sessionID, msg.metadata.Title)))
	case detachMsg:
		delete(m.sessions, msg.sessionID)
		m.lines = append(m.lines, dimStyle.Render(fmt.Sprintf("== detached %s ==", msg.sessionID)))
	case activityMsg:
		m.lines = append(m.lines, formatLine(msg.sessionID, msg.activity))
	}
	return m, nil
}

func (m paneModel) View() string {
	lines := m.lines
	if m.height > 0 && len(lines) > m.height {
		lines = lines[len(lines)-m.height:]
	}
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

func formatLine(sessionID string, a model.Activity) string {
	prefix := dimStyle.Render(fmt.Sprintf("[%s] ", sessionID))
	switch a.Kind {
	case model.ActivityText:
		return prefix + a.Text
	case model.ActivityToolUse:
		return prefix + toolStyle.Render(fmt.Sprintf("tool> %s %s", a.Tool, a.ToolInput))
	case model.ActivityToolResult:
		return prefix + toolStyle.Render(fmt.Sprintf("tool< %s", a.Tool))
	case model.ActivityError:
		return prefix + errorStyle.Render("error: "+a.Text)
	case model.ActivityWarning:
		return prefix + errorStyle.Render("warning: "+a.Text)
	case model.ActivityComplete:
		summary := ""
		if a.Summary != nil {
			summary = a.Summary.Summary
		}
		return prefix + headerStyle.Render("complete: "+summary)
	default:
		return prefix + a.Text
	}
}

// Renderer is a bubbletea-backed renderer.Renderer. Run must be called
// (typically from main) to actually display the pane; Renderer's methods
// just feed tea.Msg values into the running program.
type Renderer struct {
	program *tea.Program

	mu          sync.Mutex
	onUserInput func(sessionID, text string)
	onStop      func(sessionID string)
}

// New creates a Renderer and its backing bubbletea program (not yet
// running — call Run).
func New() *Renderer {
	m := paneModel{sessions: make(map[string]renderer.Metadata)}
	return &Renderer{program: tea.NewProgram(m)}
}

// Run blocks running the terminal UI until the user quits (q/ctrl+c) or
// ctx is canceled.
func (r *Renderer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.program.Quit()
	}()
	_, err := r.program.Run()
	return err
}

func (r *Renderer) AttachSession(ctx context.Context, sessionID string, metadata renderer.Metadata) error {
	r.program.Send(attachMsg{sessionID: sessionID, metadata: metadata})
	return nil
}

func (r *Renderer) PushActivity(ctx context.Context, sessionID string, activity model.Activity) error {
	r.program.Send(activityMsg{sessionID: sessionID, activity: activity})
	return nil
}

func (r *Renderer) OnUserInput(callback func(sessionID, text string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUserInput = callback
}

func (r *Renderer) OnStopRequest(callback func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = callback
}

func (r *Renderer) DetachSession(ctx context.Context, sessionID string) error {
	r.program.Send(detachMsg{sessionID: sessionID})
	return nil
}
