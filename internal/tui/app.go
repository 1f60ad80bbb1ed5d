package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/studio/internal/approvals"
	"github.com/mpataki/studio/internal/events"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/orchestrator"
	"github.com/mpataki/studio/internal/runstate"
)

const (
	refreshInterval = 2 * time.Second
	runListLimit    = 50
	maxEventLines   = 500
)

// Backend is the slice of the orchestrator the TUI drives.
type Backend interface {
	ListRuns(root string, limit int) ([]models.Summary, error)
	RunStatus(root, runID string) (runstate.Result, error)
	TailEvents(root, runID string, cursor *int, limit int) (events.Page, error)
	ListApprovals(root, runID string, all bool) ([]models.Approval, error)
	Decide(root, runID, approvalID string, approved bool, reason string) (approvals.DecideResult, error)
	StopRun(root, runID string, pid int) (orchestrator.StopResult, error)
}

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewReason
)

type App struct {
	backend Backend
	root    string

	view        View
	runs        []models.Summary
	selectedIdx int

	runID            string
	status           runstate.Result
	eventLines       []string
	cursor           *int
	approvals        []models.Approval
	selectedApproval int

	approving bool
	reason    textinput.Model
	events    viewport.Model

	width   int
	height  int
	err     error
	message string
}

func NewApp(backend Backend, root string) *App {
	input := textinput.New()
	input.Placeholder = "reason (optional)"
	input.CharLimit = 200

	return &App{
		backend: backend,
		root:    root,
		view:    ViewRunList,
		reason:  input,
		events:  viewport.New(80, 12),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.events.Width = msg.Width
		a.events.Height = max(msg.Height-16, 5)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		switch a.view {
		case ViewRunList:
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		case ViewRunDetail:
			return a, tea.Batch(a.loadDetail(a.runID, a.cursor), a.tickCmd())
		}
		return a, a.tickCmd()

	case detailLoadedMsg:
		return a.applyDetail(msg), nil

	case decidedMsg:
		a.err = msg.err
		if msg.err == nil {
			verdict := "denied"
			if msg.approved {
				verdict = "approved"
			}
			a.message = fmt.Sprintf("%s %s", msg.approvalID, verdict)
		}
		return a, a.loadDetail(a.runID, a.cursor)

	case stoppedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.message = "stop requested for " + msg.runID
		}
		if a.view == ViewRunDetail {
			return a, a.loadDetail(a.runID, a.cursor)
		}
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewReason:
		return a.handleReasonKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run, ok := a.selectedRun(); ok {
			a.openDetail(run.RunID)
			return a, a.loadDetail(run.RunID, nil)
		}

	case "r":
		return a, a.loadRuns

	case "x":
		if run, ok := a.selectedRun(); ok {
			pid := 0
			if run.State != nil {
				pid = run.State.PID
			}
			return a, a.stopRun(run.RunID, pid)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.message = ""
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedApproval > 0 {
			a.selectedApproval--
		}

	case "down", "j":
		if a.selectedApproval < len(a.approvals)-1 {
			a.selectedApproval++
		}

	case "a", "r":
		if len(a.approvals) == 0 {
			return a, nil
		}
		a.approving = msg.String() == "a"
		a.reason.SetValue("")
		a.view = ViewReason
		return a, a.reason.Focus()

	case "x":
		pid := 0
		if a.status.State != nil {
			pid = a.status.State.PID
		}
		return a, a.stopRun(a.runID, pid)

	default:
		var cmd tea.Cmd
		a.events, cmd = a.events.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) handleReasonKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.reason.Blur()
		a.view = ViewRunDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit

	case "enter":
		a.reason.Blur()
		a.view = ViewRunDetail
		if a.selectedApproval >= len(a.approvals) {
			return a, nil
		}
		id := a.approvals[a.selectedApproval].ID
		return a, a.decide(a.runID, id, a.approving, strings.TrimSpace(a.reason.Value()))
	}

	var cmd tea.Cmd
	a.reason, cmd = a.reason.Update(msg)
	return a, cmd
}

func (a *App) selectedRun() (models.Summary, bool) {
	if len(a.runs) == 0 || a.selectedIdx >= len(a.runs) {
		return models.Summary{}, false
	}
	return a.runs[a.selectedIdx], true
}

func (a *App) openDetail(runID string) {
	a.view = ViewRunDetail
	a.runID = runID
	a.status = runstate.Result{}
	a.eventLines = nil
	a.cursor = nil
	a.approvals = nil
	a.selectedApproval = 0
	a.message = ""
	a.events.SetContent("")
}

func (a *App) applyDetail(msg detailLoadedMsg) *App {
	if msg.runID != a.runID {
		return a
	}
	a.err = msg.err
	if msg.err != nil {
		return a
	}

	a.status = msg.status
	a.approvals = msg.approvals
	if a.selectedApproval >= len(a.approvals) {
		a.selectedApproval = max(len(a.approvals)-1, 0)
	}

	next := msg.page.NextCursor
	a.cursor = &next
	if len(msg.page.Events) > 0 {
		atBottom := a.events.AtBottom() || len(a.eventLines) == 0
		for _, ev := range msg.page.Events {
			a.eventLines = append(a.eventLines, formatEvent(ev))
		}
		if len(a.eventLines) > maxEventLines {
			a.eventLines = a.eventLines[len(a.eventLines)-maxEventLines:]
		}
		a.events.SetContent(strings.Join(a.eventLines, "\n"))
		if atBottom {
			a.events.GotoBottom()
		}
	}
	return a
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewReason:
		return a.viewReason()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStopped  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	eventsBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Studio") + "  " + dimStyle.Render(a.root) + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.message != "" {
		s += dimStyle.Render(a.message) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			active := run.State != nil && !run.State.Status.Terminal()

			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if !active {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] stop  [r] refresh  [q] quit")
	return s
}

func (a *App) formatRunLine(run models.Summary) string {
	if run.State == nil {
		return fmt.Sprintf("%-26s %s", run.RunID, dimStyle.Render("(no state)"))
	}
	age := "-"
	if t := run.State.LastActivity(); !t.IsZero() {
		age = formatAge(time.Since(t))
	}
	return fmt.Sprintf("%-26s %-10s %s  %s", run.RunID, truncate(run.State.Stage, 10), formatStatus(run.State.Status), age)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusStarting, models.RunStatusRunning:
		return statusRunning.Render("● " + string(status))
	case models.RunStatusStopping:
		return statusStopped.Render("◌ stopping")
	case models.RunStatusDone:
		return statusComplete.Render("✓ done")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusStopped:
		return statusStopped.Render("■ stopped")
	case "":
		return dimStyle.Render("?")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	s := titleStyle.Render("Run "+a.runID) + "  "

	state := a.status.State
	if state == nil {
		s += dimStyle.Render("(no state)") + "\n\n"
	} else {
		s += formatStatus(state.Status) + "\n\n"
		s += labelStyle.Render("Stage: ") + state.Stage + "\n"
		pid := fmt.Sprintf("%d", state.PID)
		if a.status.PIDAlive {
			pid += statusComplete.Render(" alive")
		} else {
			pid += dimStyle.Render(" gone")
		}
		s += labelStyle.Render("PID:   ") + pid + "\n"
		if state.Branch != "" {
			s += labelStyle.Render("Branch: ") + state.Branch + dimStyle.Render(" "+truncate(state.HeadSHA, 12)) + "\n"
		}
		if state.Error != "" {
			s += statusFailed.Render("Error: "+state.Error) + "\n"
		}
	}

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.message != "" {
		s += dimStyle.Render(a.message) + "\n"
	}

	s += "\nPending Approvals\n"
	s += "─────────────────\n"
	if len(a.approvals) == 0 {
		s += dimStyle.Render("(none)") + "\n"
	} else {
		for i, ap := range a.approvals {
			line := fmt.Sprintf("%-20s %s", ap.ID, truncate(compact(ap.Request), 60))
			if i == a.selectedApproval {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\nEvents\n"
	s += eventsBorder.Render(a.events.View()) + "\n"

	s += helpStyle.Render("[↑/↓] select  [a] approve  [r] reject  [x] stop  [pgup/pgdn] scroll  [esc] back")
	return s
}

func (a *App) viewReason() string {
	verb := "Reject"
	if a.approving {
		verb = "Approve"
	}
	id := ""
	if a.selectedApproval < len(a.approvals) {
		id = a.approvals[a.selectedApproval].ID
	}

	s := titleStyle.Render(fmt.Sprintf("%s %s", verb, id)) + "\n\n"
	s += a.reason.View() + "\n\n"
	s += helpStyle.Render("[enter] submit  [esc] cancel")
	return s
}

// formatEvent renders one event line as "ts type rest".
func formatEvent(raw json.RawMessage) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return compact(raw)
	}

	var parts []string
	for _, key := range []string{"ts", "type"} {
		if v, ok := obj[key].(string); ok {
			parts = append(parts, v)
			delete(obj, key)
		}
	}
	if len(obj) > 0 {
		rest, _ := json.Marshal(obj)
		parts = append(parts, string(rest))
	}
	return strings.Join(parts, " ")
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Messages

type runsLoadedMsg struct {
	runs []models.Summary
	err  error
}

type detailLoadedMsg struct {
	runID     string
	status    runstate.Result
	page      events.Page
	approvals []models.Approval
	err       error
}

type decidedMsg struct {
	approvalID string
	approved   bool
	err        error
}

type stoppedMsg struct {
	runID string
	err   error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.backend.ListRuns(a.root, runListLimit)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadDetail(runID string, cursor *int) tea.Cmd {
	return func() tea.Msg {
		msg := detailLoadedMsg{runID: runID}

		msg.status, msg.err = a.backend.RunStatus(a.root, runID)
		if msg.err != nil {
			return msg
		}
		msg.page, msg.err = a.backend.TailEvents(a.root, runID, cursor, events.DefaultLimit)
		if msg.err != nil {
			return msg
		}
		msg.approvals, msg.err = a.backend.ListApprovals(a.root, runID, false)
		return msg
	}
}

func (a *App) decide(runID, approvalID string, approved bool, reason string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.backend.Decide(a.root, runID, approvalID, approved, reason)
		return decidedMsg{approvalID: approvalID, approved: approved, err: err}
	}
}

func (a *App) stopRun(runID string, pid int) tea.Cmd {
	return func() tea.Msg {
		_, err := a.backend.StopRun(a.root, runID, pid)
		return stoppedMsg{runID: runID, err: err}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
