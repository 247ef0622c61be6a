// internal/tui/chat.go
//
// Terminal chat client for Genie. It drives the same chat.Conversation as the web client, so a reply
// streams into a pending placeholder and is replaced by the authoritative history once the turn ends.
//
// The flow is: key press -> command (API call or stream) -> result message -> Update -> View.

package tui

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/MegaGrindStone/genie-web/internal/chat"
	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// API is the part of the Genie API the terminal client needs.
type API interface {
	CreateThread(ctx context.Context) (string, error)
	Threads(ctx context.Context, userID string) ([]models.Thread, error)
	Messages(ctx context.Context, userID, threadID string) ([]models.Message, error)
	ChatStream(ctx context.Context, req models.ChatRequest) iter.Seq2[models.StreamEvent, error]
}

// Model is the bubbletea model of the terminal client.
type Model struct {
	api    API
	userID string
	conv   *chat.Conversation

	// ctx bounds every API call and stream; it is cancelled when the program quits.
	ctx    context.Context
	cancel context.CancelFunc

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	styles   styles

	status string
	width  int
	height int
}

type threadsLoadedMsg struct {
	threads []models.Thread
	err     error
}

type messagesLoadedMsg struct {
	threadID string
	messages []models.Message
	err      error
}

type threadCreatedMsg struct {
	threadID string
	err      error

	// send is the text to send once the thread exists, if any.
	send string
}

type streamChangedMsg struct {
	updates <-chan tea.Msg
}

type streamDoneMsg struct {
	outcome chat.State
}

const (
	busyStatus = "Please wait for the current reply to finish."
	helpText   = "enter send • ctrl+n new chat • ctrl+r refresh • tab next chat • ctrl+c quit"

	// chromeHeight is the number of lines around the message viewport: header, status, input and help.
	chromeHeight = 6
)

// New creates the terminal client for the user userID, talking to api.
func New(api API, userID string) *Model {
	input := textinput.New()
	input.Prompt = "› "
	input.Placeholder = "Message Genie…"
	input.CharLimit = 8000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	st := newStyles()
	sp.Style = st.spinner

	ctx, cancel := context.WithCancel(context.Background())

	return &Model{
		api:      api,
		userID:   userID,
		conv:     chat.New(),
		ctx:      ctx,
		cancel:   cancel,
		viewport: viewport.New(0, 0),
		input:    input,
		spinner:  sp,
		styles:   st,
	}
}

// Init loads the thread list.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, m.loadThreads())
}

// Update handles one message.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(1, msg.Height-chromeHeight)
		m.input.Width = max(10, msg.Width-4)
		m.renderMessages()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.busy() {
			m.renderMessages()
		}
		return m, cmd

	case threadsLoadedMsg:
		return m, m.handleThreadsLoaded(msg)

	case messagesLoadedMsg:
		if msg.err != nil {
			m.conv.SetNotice(msg.err.Error())
		} else {
			m.conv.SetMessages(msg.threadID, msg.messages)
		}
		m.renderMessages()
		return m, nil

	case threadCreatedMsg:
		if msg.err != nil {
			m.conv.SetNotice(msg.err.Error())
			m.renderMessages()
			return m, nil
		}
		m.conv.StartThread(msg.threadID)
		m.conv.SetNotice("")
		m.renderMessages()
		if msg.send != "" {
			return m, m.send(msg.send)
		}
		return m, nil

	case streamChangedMsg:
		m.renderMessages()
		return m, waitForStream(msg.updates)

	case streamDoneMsg:
		m.status = outcomeStatus(msg.outcome)
		m.input.Focus()
		m.renderMessages()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.cancel()
		return m, tea.Quit

	case "ctrl+n":
		if m.busy() {
			m.status = busyStatus
			return m, nil
		}
		m.status = ""
		return m, m.createThread("")

	case "ctrl+r":
		m.status = "Refreshing chats…"
		return m, m.loadThreads()

	case "tab":
		return m, m.nextThread()

	case "enter":
		if m.busy() {
			m.status = busyStatus
			return m, nil
		}
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.SetValue("")

		if projectID, ok := chat.ShowProjectCommand(text); ok {
			m.conv.Echo(text)
			m.conv.Inform(fmt.Sprintf("Project %s can be browsed in the web client.", projectID))
			m.renderMessages()
			return m, nil
		}

		if m.conv.ThreadID() == "" {
			return m, m.createThread(text)
		}
		return m, m.send(text)

	case "pgup":
		m.viewport.HalfViewUp()
		return m, nil

	case "pgdown":
		m.viewport.HalfViewDown()
		return m, nil
	}

	if m.busy() {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleThreadsLoaded(msg threadsLoadedMsg) tea.Cmd {
	if msg.err != nil {
		m.status = ""
		m.conv.SetNotice(msg.err.Error())
		m.renderMessages()
		return nil
	}

	m.status = ""
	current, changed := m.conv.SetThreads(msg.threads, models.SortThreadIDs(msg.threads))
	m.renderMessages()
	if current == "" || (!changed && len(m.conv.Snapshot().Messages) > 0) {
		return nil
	}
	return m.loadMessages(current)
}

// nextThread opens the thread after the current one, wrapping around.
func (m *Model) nextThread() tea.Cmd {
	if m.busy() {
		m.status = busyStatus
		return nil
	}

	snap := m.conv.Snapshot()
	if len(snap.Threads) < 2 {
		return nil
	}
	idx := slices.Index(snap.Threads, snap.ThreadID)
	next := snap.Threads[(idx+1)%len(snap.Threads)]

	m.conv.SelectThread(next)
	m.conv.SetNotice("")
	m.status = ""
	m.renderMessages()
	return m.loadMessages(next)
}

// send begins a send on the current thread and starts consuming the reply.
func (m *Model) send(text string) tea.Cmd {
	threadID := m.conv.ThreadID()

	_, am, err := m.conv.Begin(text)
	if err != nil {
		if errors.Is(err, chat.ErrSendInFlight) {
			m.status = busyStatus
		}
		return nil
	}

	m.status = ""
	m.input.Blur()
	m.renderMessages()

	return m.stream(am.ID, models.ChatRequest{Message: text, ThreadID: threadID, UserID: m.userID})
}

// stream consumes the reply in the background. Every applied change is reported with a streamChangedMsg,
// and the outcome with a streamDoneMsg.
func (m *Model) stream(placeholderID string, req models.ChatRequest) tea.Cmd {
	updates := make(chan tea.Msg, 1)

	go func() {
		events := m.api.ChatStream(m.ctx, req)
		outcome := m.conv.Run(m.ctx, placeholderID, events, func() {
			// Changes are coalesced; the view reads the latest snapshot anyway.
			select {
			case updates <- streamChangedMsg{updates: updates}:
			default:
			}
		})

		select {
		case updates <- streamDoneMsg{outcome: outcome}:
		case <-m.ctx.Done():
		}
	}()

	return waitForStream(updates)
}

func waitForStream(updates <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (m *Model) loadThreads() tea.Cmd {
	return func() tea.Msg {
		threads, err := m.api.Threads(m.ctx, m.userID)
		if err != nil {
			return threadsLoadedMsg{err: err}
		}
		if len(threads) == 0 {
			id, err := m.api.CreateThread(m.ctx)
			if err != nil {
				return threadsLoadedMsg{err: err}
			}
			threads = []models.Thread{{ID: id}}
		}
		return threadsLoadedMsg{threads: threads}
	}
}

func (m *Model) loadMessages(threadID string) tea.Cmd {
	return func() tea.Msg {
		msgs, err := m.api.Messages(m.ctx, m.userID, threadID)
		return messagesLoadedMsg{threadID: threadID, messages: msgs, err: err}
	}
}

func (m *Model) createThread(send string) tea.Cmd {
	return func() tea.Msg {
		id, err := m.api.CreateThread(m.ctx)
		return threadCreatedMsg{threadID: id, err: err, send: send}
	}
}

func (m *Model) busy() bool {
	return chat.InFlight(m.conv.Snapshot().State)
}

func outcomeStatus(s chat.State) string {
	switch o := s.(type) {
	case chat.Completed:
		if o.Title != "" {
			return "Reply complete · " + o.Title
		}
		return "Reply complete"
	case chat.Failed:
		return "The assistant reported an error"
	case chat.Aborted:
		if o.Status != 0 {
			return fmt.Sprintf("Request failed (%d)", o.Status)
		}
		return "Request failed"
	}
	return ""
}

// View renders the thread bar, the messages, the status line and the composer.
func (m *Model) View() string {
	snap := m.conv.Snapshot()

	var b strings.Builder
	b.WriteString(m.renderThreads(snap))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	switch {
	case snap.Notice != "":
		b.WriteString(m.styles.notice.Render(snap.Notice))
	case m.status != "":
		b.WriteString(m.styles.status.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(m.styles.input.Width(max(10, m.width-2)).Render(m.input.View()))
	b.WriteString("\n")
	b.WriteString(m.styles.help.Render(helpText))

	return b.String()
}

func (m *Model) renderThreads(snap chat.Snapshot) string {
	tabs := []string{m.styles.brand.Render("Genie")}
	for _, id := range snap.Threads {
		label := threadLabel(id, snap.Titles[id])
		if id == snap.ThreadID {
			tabs = append(tabs, m.styles.activeTab.Render(label))
			continue
		}
		tabs = append(tabs, m.styles.tab.Render(label))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

// renderMessages refreshes the viewport with the messages of the current thread and scrolls to the end.
func (m *Model) renderMessages() {
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

func (m *Model) transcript() string {
	snap := m.conv.Snapshot()
	if len(snap.Messages) == 0 {
		return m.styles.muted.Render("Ask Genie about your code.")
	}

	width := max(20, m.width-2)
	blocks := make([]string, 0, len(snap.Messages))
	for _, msg := range snap.Messages {
		if msg.Role == models.RoleUser {
			blocks = append(blocks, m.styles.userLabel.Render("You")+"\n"+
				m.styles.userText.Width(width).Render(msg.Content))
			continue
		}

		content := msg.Content
		if msg.Pending {
			content = m.spinner.View() + " thinking"
		}
		blocks = append(blocks, m.styles.assistantLabel.Render("Genie")+"\n"+
			m.styles.assistantText.Width(width).Render(content))
	}
	return strings.Join(blocks, "\n\n")
}

func threadLabel(id, title string) string {
	if title != "" {
		return title
	}
	if r := []rune(id); len(r) > 8 {
		id = string(r[:8])
	}
	return "Chat " + id
}
