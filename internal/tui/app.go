package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/llmack/gmail-declutterer/internal/analysis"
	"github.com/llmack/gmail-declutterer/internal/declutter"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	gmailv1 "google.golang.org/api/gmail/v1"
)

type viewState int

const (
	viewLoading    viewState = iota
	viewAuth                 // waiting for auth code input
	viewCategories           // category counts
	viewSenders              // sender groups within a category
	viewMessages             // messages of one sender
	viewMoveTarget           // destination picker for a move
	viewHistory              // deletion log
	viewExclusions           // excluded senders
)

// historyDays is the window shown in the history view.
const historyDays = 30

// Engine is what the UI drives once authorized.
type Engine interface {
	Analyze(ctx context.Context) (*analysis.Report, error)
	Summaries() []model.CategorySummary
	Groups(cat model.Category) []model.SenderGroup
	View(cat model.Category) []model.CategoryResult
	TrashSender(ctx context.Context, cat model.Category, sender string) (gmail.TrashOutcome, error)
	Exclude(ctx context.Context, sender string, on bool) error
	Exclusions() []string
	Move(ctx context.Context, sender string, source, target model.Category) (model.MoveRecord, error)
	History(ctx context.Context, q declutter.HistoryQuery) (declutter.History, error)
}

// EngineFactory wires an Engine around an authorized Gmail client.
type EngineFactory func(svc *gmailv1.Service) (Engine, error)

type AppModel struct {
	// Core state
	engine    Engine
	factory   EngineFactory
	tokens    gmail.TokenStore
	configDir string
	Err       error
	status    string
	l         *logrus.Logger

	// Auth flow
	uiEvents      chan interface{}
	userResponses chan string
	textInput     textinput.Model
	authURL       string

	// View state machine
	view     viewState
	category model.Category
	sender   *model.SenderGroup

	// Sub-models
	categoriesList list.Model
	sendersList    list.Model
	messagesList   list.Model
	targetsList    list.Model
	historyList    list.Model
	exclusionsList list.Model

	// Layout
	width, height int
}

type authResultMsg struct {
	service *gmailv1.Service
	err     error
}

type authURLMsg string

func newList(title string) list.Model {
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	l.Title = title
	// Remove esc from the list's built-in Quit binding so it doesn't exit on home
	l.KeyMap.Quit.SetKeys("q")
	return l
}

func NewAppModel(factory EngineFactory, tokens gmail.TokenStore, configDir string) AppModel {
	ti := textinput.New()
	ti.Placeholder = "Paste auth code here"
	ti.Focus()

	return AppModel{
		factory:        factory,
		tokens:         tokens,
		configDir:      configDir,
		status:         "Authenticating...",
		l:              log.Logger(log.LOG_TUI),
		view:           viewLoading,
		uiEvents:       make(chan interface{}),
		userResponses:  make(chan string),
		textInput:      ti,
		categoriesList: newList("Categories"),
		sendersList:    newList("Senders"),
		messagesList:   newList("Messages"),
		targetsList:    newList("Move to"),
		historyList:    newList("Deleted in the last 30 days"),
		exclusionsList: newList("Excluded senders"),
	}
}

// NewAppModelWithEngine skips authentication, for an already wired engine.
func NewAppModelWithEngine(engine Engine) AppModel {
	m := NewAppModel(nil, nil, "")
	m.engine = engine
	m.status = "Analyzing mailbox..."
	return m
}

func (m *AppModel) Init() tea.Cmd {
	if m.engine != nil {
		return m.analyzeCmd()
	}
	return tea.Batch(m.authenticateCmd(), textinput.Blink)
}

func (m *AppModel) authenticateCmd() tea.Cmd {
	return func() tea.Msg {
		go func() {
			svc, err := gmail.NewServiceInteractive(context.Background(), m.configDir, m.tokens, m.uiEvents, m.userResponses)
			m.uiEvents <- authResultMsg{service: svc, err: err}
		}()

		// The auth flow sends the auth URL as a raw string first, then the
		// goroutine above sends authResultMsg when done.
		event := <-m.uiEvents
		switch v := event.(type) {
		case string:
			return authURLMsg(v)
		default:
			return event
		}
	}
}

func (m *AppModel) lists() []*list.Model {
	return []*list.Model{&m.categoriesList, &m.sendersList, &m.messagesList, &m.targetsList, &m.historyList, &m.exclusionsList}
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		listH := msg.Height - 4 // room for footer
		for _, l := range m.lists() {
			l.SetSize(msg.Width, listH)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case authResultMsg:
		if msg.err != nil {
			m.Err = msg.err
			m.status = "Authentication failed!"
			return m, tea.Quit
		}
		m.status = "Analyzing mailbox..."
		m.view = viewLoading
		svc := msg.service
		return m, func() tea.Msg {
			engine, err := m.factory(svc)
			return engineReadyMsg{engine: engine, err: err}
		}

	case authURLMsg:
		m.authURL = string(msg)
		m.view = viewAuth
		return m, nil

	case engineReadyMsg:
		if msg.err != nil {
			m.Err = msg.err
			return m, tea.Quit
		}
		m.engine = msg.engine
		return m, m.analyzeCmd()

	case analyzedMsg:
		return m.handleAnalyzed(msg)

	case trashResultMsg:
		return m.handleTrashed(msg)

	case moveDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("Move failed: %v", msg.err)
		} else {
			m.status = fmt.Sprintf("Moved %s to %s", msg.record.Sender, msg.record.Target.Title())
		}
		m.view = viewSenders
		m.refreshAll()
		return m, clearStatusAfter(3 * time.Second)

	case historyLoadedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("History failed: %v", msg.err)
			return m, clearStatusAfter(3 * time.Second)
		}
		m.historyList.SetItems(historyToItems(msg.history.Records))
		m.historyList.Title = fmt.Sprintf("Deleted in the last %d days (%d messages)", historyDays, msg.history.TotalDeleted)
		m.view = viewHistory
		return m, nil

	case actionResultMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.status = fmt.Sprintf("%s complete", msg.action)
		}
		m.refreshAll()
		return m, clearStatusAfter(2 * time.Second)

	case statusMsg:
		if string(msg) == "" {
			m.status = ""
		}
		return m, nil
	}

	// Delegate to active sub-model
	var cmd tea.Cmd
	switch m.view {
	case viewAuth:
		m.textInput, cmd = m.textInput.Update(msg)
	default:
		if l := m.activeList(); l != nil {
			*l, cmd = l.Update(msg)
		}
	}
	return m, cmd
}

func (m *AppModel) activeList() *list.Model {
	switch m.view {
	case viewCategories:
		return &m.categoriesList
	case viewSenders:
		return &m.sendersList
	case viewMessages:
		return &m.messagesList
	case viewMoveTarget:
		return &m.targetsList
	case viewHistory:
		return &m.historyList
	case viewExclusions:
		return &m.exclusionsList
	}
	return nil
}

func (m *AppModel) handleAnalyzed(msg analyzedMsg) (tea.Model, tea.Cmd) {
	if errors.Is(msg.err, analysis.ErrStaleGeneration) {
		// A newer run is in flight and will report.
		return m, nil
	}
	if msg.err != nil {
		if errors.Is(msg.err, gmail.ErrUnauthorized) {
			m.Err = fmt.Errorf("gmail rejected the credentials, restart to sign in again: %w", msg.err)
			if m.tokens != nil {
				_ = m.tokens.DeleteToken()
			}
			return m, tea.Quit
		}
		m.status = fmt.Sprintf("Analysis failed: %v", msg.err)
		return m, nil
	}

	failed := 0
	for _, cr := range msg.report.Categories {
		if cr.Err != nil {
			failed++
		}
	}
	m.refreshAll()
	if m.view == viewLoading {
		m.view = viewCategories
	}
	m.status = ""
	if failed > 0 {
		m.status = warnStyle.Render(fmt.Sprintf("%d categories could not be scanned", failed))
	}
	m.l.WithFields(logrus.Fields{"generation": msg.report.Generation, "failed": failed}).Info("Analysis shown")
	return m, nil
}

func (m *AppModel) handleTrashed(msg trashResultMsg) (tea.Model, tea.Cmd) {
	switch {
	case !msg.outcome.Success():
		m.status = fmt.Sprintf("Trash failed: %v", msg.err)
	case msg.outcome.Status == gmail.StatusPartial:
		m.status = warnStyle.Render(msg.outcome.Warning())
	default:
		m.status = fmt.Sprintf("Trashed %d messages from %s", msg.outcome.Succeeded, msg.sender)
	}
	m.refreshAll()
	return m, clearStatusAfter(3 * time.Second)
}

// refreshAll rebuilds the lists from the engine's current views.
func (m *AppModel) refreshAll() {
	if m.engine == nil {
		return
	}
	sums := m.engine.Summaries()
	m.categoriesList.SetItems(categoriesToItems(sums))
	total := 0
	for _, s := range sums {
		if s.Category.Declutterable() {
			total += s.Count
		}
	}
	m.categoriesList.Title = fmt.Sprintf("Categories (%d to declutter)", total)
	if m.category != "" {
		groups := m.engine.Groups(m.category)
		m.sendersList.SetItems(groupsToItems(groups))
		m.sendersList.Title = fmt.Sprintf("%s (%d senders)", m.category.Title(), len(groups))
	}
	m.exclusionsList.SetItems(exclusionsToItems(m.engine.Exclusions()))
}

func (m *AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	// Global keys
	switch key {
	case "ctrl+c":
		return m, tea.Quit
	}

	switch m.view {
	case viewAuth:
		switch key {
		case "enter":
			val := m.textInput.Value()
			m.textInput.Reset()
			return m, func() tea.Msg {
				m.userResponses <- val
				return <-m.uiEvents
			}
		case "q":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd

	case viewLoading:
		if key == "q" {
			return m, tea.Quit
		}
		return m, nil
	}

	l := m.activeList()
	// When the list is filtering, let it handle all keys except ctrl+c
	if l.FilterState() == list.Filtering {
		var cmd tea.Cmd
		*l, cmd = l.Update(msg)
		return m, cmd
	}
	if key == "q" {
		return m, tea.Quit
	}

	switch m.view {
	case viewCategories:
		switch key {
		case "enter":
			return m.enterCategory()
		case "s":
			return m.reanalyze()
		case "h":
			return m, m.historyCmd()
		case "e":
			m.view = viewExclusions
			return m, nil
		}

	case viewSenders:
		switch key {
		case "esc":
			m.view = viewCategories
			m.category = ""
			return m, nil
		case "enter":
			return m.enterSender()
		case "#":
			return m.trashSelectedSender()
		case "x":
			return m.excludeSelectedSender()
		case "m":
			return m.pickMoveTarget()
		case "s":
			return m.reanalyze()
		case "h":
			return m, m.historyCmd()
		}

	case viewMessages:
		if key == "esc" {
			m.view = viewSenders
			m.sender = nil
			return m, nil
		}

	case viewMoveTarget:
		switch key {
		case "esc":
			m.view = viewSenders
			return m, nil
		case "enter":
			return m.moveSelectedSender()
		}

	case viewHistory:
		switch key {
		case "esc":
			m.view = m.backFromSide()
			return m, nil
		case "o":
			return m.openHistoryEntry()
		}

	case viewExclusions:
		switch key {
		case "esc":
			m.view = viewCategories
			return m, nil
		case "x":
			return m.includeSelectedSender()
		}
	}

	var cmd tea.Cmd
	*l, cmd = l.Update(msg)
	return m, cmd
}

func (m *AppModel) backFromSide() viewState {
	if m.category != "" {
		return viewSenders
	}
	return viewCategories
}

func (m *AppModel) reanalyze() (tea.Model, tea.Cmd) {
	m.status = "Re-analyzing mailbox..."
	return m, m.analyzeCmd()
}

func (m *AppModel) enterCategory() (tea.Model, tea.Cmd) {
	selected, ok := m.categoriesList.SelectedItem().(categoryItem)
	if !ok {
		return m, nil
	}
	m.category = selected.Category
	m.sendersList.ResetSelected()
	m.refreshAll()
	m.view = viewSenders
	return m, nil
}

func (m *AppModel) selectedGroup() (model.SenderGroup, bool) {
	gi, ok := m.sendersList.SelectedItem().(groupItem)
	return gi.SenderGroup, ok
}

func (m *AppModel) enterSender() (tea.Model, tea.Cmd) {
	g, ok := m.selectedGroup()
	if !ok {
		return m, nil
	}
	m.sender = &g
	m.messagesList.SetItems(sortedMessageItems(m.engine.View(m.category), g.Identity))
	m.messagesList.Title = fmt.Sprintf("%s (%d messages)", g.DisplayName, g.Count)
	m.view = viewMessages
	return m, nil
}

func (m *AppModel) trashSelectedSender() (tea.Model, tea.Cmd) {
	g, ok := m.selectedGroup()
	if !ok {
		return m, nil
	}
	// Optimistically remove from list
	m.sendersList.RemoveItem(m.sendersList.Index())
	m.status = fmt.Sprintf("Trashing %d messages...", g.Count)

	cat, engine := m.category, m.engine
	return m, func() tea.Msg {
		out, err := engine.TrashSender(context.Background(), cat, g.Identity)
		return trashResultMsg{sender: g.Identity, outcome: out, err: err}
	}
}

func (m *AppModel) excludeSelectedSender() (tea.Model, tea.Cmd) {
	g, ok := m.selectedGroup()
	if !ok {
		return m, nil
	}
	engine := m.engine
	return m, func() tea.Msg {
		err := engine.Exclude(context.Background(), g.Identity, true)
		return actionResultMsg{action: "Exclude " + g.Identity, err: err}
	}
}

func (m *AppModel) includeSelectedSender() (tea.Model, tea.Cmd) {
	sender, ok := m.exclusionsList.SelectedItem().(exclusionItem)
	if !ok {
		return m, nil
	}
	engine := m.engine
	return m, func() tea.Msg {
		err := engine.Exclude(context.Background(), string(sender), false)
		return actionResultMsg{action: "Include " + string(sender), err: err}
	}
}

func (m *AppModel) pickMoveTarget() (tea.Model, tea.Cmd) {
	g, ok := m.selectedGroup()
	if !ok {
		return m, nil
	}
	m.sender = &g
	m.targetsList.SetItems(targetsFor(m.category))
	m.targetsList.Title = fmt.Sprintf("Move %s to", g.Identity)
	m.view = viewMoveTarget
	return m, nil
}

func (m *AppModel) moveSelectedSender() (tea.Model, tea.Cmd) {
	target, ok := m.targetsList.SelectedItem().(targetItem)
	if !ok || m.sender == nil {
		return m, nil
	}
	sender, source, engine := m.sender.Identity, m.category, m.engine
	return m, func() tea.Msg {
		rec, err := engine.Move(context.Background(), sender, source, target.category)
		return moveDoneMsg{record: rec, err: err}
	}
}

func (m *AppModel) openHistoryEntry() (tea.Model, tea.Cmd) {
	hi, ok := m.historyList.SelectedItem().(historyItem)
	if !ok {
		return m, nil
	}
	return m, func() tea.Msg {
		return actionResultMsg{action: "Open trash search", err: gmail.OpenInGmail(hi.TrashSearchURL())}
	}
}

// Commands

func (m *AppModel) analyzeCmd() tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		report, err := engine.Analyze(context.Background())
		return analyzedMsg{report: report, err: err}
	}
}

func (m *AppModel) historyCmd() tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		h, err := engine.History(context.Background(), declutter.HistoryQuery{Days: historyDays})
		return historyLoadedMsg{history: h, err: err}
	}
}

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return statusMsg("")
	})
}

// View renders the appropriate view based on current state.
func (m *AppModel) View() string {
	// Auth code input
	if m.view == viewAuth {
		return "Please open this URL in your browser to authenticate:\n\n" +
			m.authURL + "\n\n" +
			m.textInput.View()
	}

	// Error state
	if m.Err != nil {
		return "Error: " + m.Err.Error() + "\n"
	}

	if m.view == viewLoading {
		if m.status != "" {
			return m.status + "\n"
		}
		return "Loading...\n"
	}

	var b strings.Builder
	if l := m.activeList(); l != nil {
		b.WriteString(l.View())
		b.WriteString("\n")
	}
	switch m.view {
	case viewCategories:
		b.WriteString(categoriesFooter())
	case viewSenders:
		b.WriteString(groupsFooter())
	case viewMessages:
		b.WriteString(messagesFooter())
	case viewMoveTarget:
		b.WriteString(targetsFooter())
	case viewHistory:
		b.WriteString(historyFooter())
	case viewExclusions:
		b.WriteString(exclusionsFooter())
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
	}

	return b.String()
}

// trimDate formats a message date for list rows.
func trimDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("Jan 2, 2006")
}
