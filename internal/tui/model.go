package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"policyrag/internal/domain"
	"policyrag/internal/service"
)

// ChatPort is the TUI-facing subset of a chat session.
type ChatPort interface {
	Submit(ctx context.Context, question string, onFragment func(string)) *service.Turn
	Transcript() []service.Message
	Close()
}

// Reloader rebuilds the corpus and describes the result.
type Reloader func(ctx context.Context) (string, error)

// Model is the Bubble Tea model for the chat window.
type Model struct {
	ctx      context.Context
	session  ChatPort
	reload   Reloader
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	summary  string
	status   string
	ready    bool

	stream       *turnStream
	pending      string
	lastQuestion string
	passages     []domain.ScoredEntry
	showSources  bool
}

// turnStream carries one turn's fragments to the update loop. abandon is
// closed when the turn is superseded so its producer never blocks.
type turnStream struct {
	id      uint64
	turn    *service.Turn
	frags   chan string
	abandon chan struct{}
}

type fragmentMsg struct {
	turnID uint64
	text   string
}

type turnDoneMsg struct {
	turnID uint64
	answer service.Answer
	err    error
}

type reloadMsg struct {
	status string
	err    error
}

// New creates a new TUI model instance. reload may be nil.
func New(ctx context.Context, session ChatPort, summary string, reload Reloader) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about leave, benefits or approvals"
	ti.Focus()
	ti.CharLimit = 0
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = thinkingStyle
	return Model{
		ctx:      ctx,
		session:  session,
		reload:   reload,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		summary:  summary,
		status:   "Ready. Enter a question, Tab toggles sources, /reload rebuilds the corpus.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, window and pipeline events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header and summary, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			m.abandonStream()
			m.session.Close()
			return m, tea.Quit
		case tea.KeyTab:
			m.showSources = !m.showSources
			m.refresh()
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" {
				return m, nil
			}
			m.input.SetValue("")
			if q == "/reload" {
				return m, m.reloadCmd()
			}
			return m, tea.Batch(m.submit(q), m.spinner.Tick)
		}

	case fragmentMsg:
		if m.stream == nil || msg.turnID != m.stream.id {
			return m, nil
		}
		m.pending += msg.text
		m.refresh()
		return m, waitForFragment(m.stream)

	case turnDoneMsg:
		if m.stream == nil || msg.turnID != m.stream.id {
			return m, nil
		}
		m.stream = nil
		m.pending = ""
		m.passages = msg.answer.Passages
		m.status = doneStatus(msg.answer, msg.err)
		if msg.err != nil && !msg.answer.Incomplete && domain.IsRetryable(msg.err) && m.input.Value() == "" {
			m.input.SetValue(m.lastQuestion)
			m.input.CursorEnd()
			m.status += " Press Enter to retry."
		}
		m.refresh()
		return m, nil

	case reloadMsg:
		if msg.err != nil {
			m.status = "Reload failed: " + service.UserMessage(msg.err)
		} else {
			m.status = msg.status
		}
		return m, nil

	case spinner.TickMsg:
		if m.stream == nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.pending == "" {
			m.refresh()
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) submit(q string) tea.Cmd {
	m.abandonStream()
	st := &turnStream{frags: make(chan string), abandon: make(chan struct{})}
	st.turn = m.session.Submit(m.ctx, q, func(frag string) {
		select {
		case st.frags <- frag:
		case <-st.abandon:
		}
	})
	st.id = st.turn.ID
	m.stream = st
	m.pending = ""
	m.lastQuestion = q
	m.passages = nil
	m.status = "Thinking…"
	m.refresh()
	return waitForFragment(st)
}

func (m *Model) abandonStream() {
	if m.stream != nil {
		close(m.stream.abandon)
		m.stream = nil
	}
}

func (m Model) reloadCmd() tea.Cmd {
	if m.reload == nil {
		return func() tea.Msg { return reloadMsg{status: "Reload is not available."} }
	}
	ctx := m.ctx
	return func() tea.Msg {
		status, err := m.reload(ctx)
		return reloadMsg{status: status, err: err}
	}
}

func waitForFragment(st *turnStream) tea.Cmd {
	return func() tea.Msg {
		select {
		case frag := <-st.frags:
			return fragmentMsg{turnID: st.id, text: frag}
		case <-st.turn.Done():
			answer, err := st.turn.Wait(context.Background())
			return turnDoneMsg{turnID: st.id, answer: answer, err: err}
		case <-st.abandon:
			return nil
		}
	}
}

func doneStatus(answer service.Answer, err error) string {
	switch {
	case err != nil && answer.Incomplete:
		return service.InterruptedNotice
	case err != nil:
		return "Error: " + service.UserMessage(err)
	case answer.Kind == domain.DecisionAnswerable:
		return fmt.Sprintf("Answered from %d passage(s). Tab shows sources.", len(answer.Passages))
	default:
		return "Ready."
	}
}

// View renders the TUI layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("HR Policy Assistant")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	transcript := transcriptBoxStyle.Render(m.viewport.View())
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	return header + "\n" + summary + "\n" + transcript + "\n" + input + "\n" + status
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) renderTranscript() string {
	width := max(10, m.viewport.Width-4)
	var b strings.Builder
	for _, msg := range m.session.Transcript() {
		switch msg.Role {
		case service.RoleUser:
			b.WriteString(userStyle.Width(width).Render("You: " + msg.Text))
		default:
			text := msg.Text
			if msg.Incomplete {
				text += " …"
			}
			style := botStyle
			if msg.Failed {
				style = errorStyle
			}
			b.WriteString(style.Width(width).Render("Assistant: " + text))
		}
		b.WriteString("\n\n")
	}
	if m.stream != nil {
		if m.pending == "" {
			b.WriteString(thinkingStyle.Render(m.spinner.View() + " Thinking…"))
		} else {
			b.WriteString(botStyle.Width(width).Render("Assistant: " + m.pending))
		}
		b.WriteString("\n")
	}
	if m.showSources && len(m.passages) > 0 {
		b.WriteString(sourceHeaderStyle.Render("Sources"))
		b.WriteString("\n")
		for _, p := range m.passages {
			fmt.Fprintf(&b, "%s  score=%.3f\n%s\n\n", p.Entry.Title, p.Score,
				highlightBestSentence(p.Entry.DisplayText, m.lastQuestion))
		}
	}
	if b.Len() == 0 {
		return "No questions yet."
	}
	return strings.TrimRight(b.String(), "\n")
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	userStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	botStyle           = lipgloss.NewStyle()
	errorStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	thinkingStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	sourceHeaderStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	highlightStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	unicodeWordRe      = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe         = regexp.MustCompile(`[^.!?]+[.!?]+`)
)

// highlightBestSentence emphasises the sentence of a source passage sharing
// the most words with the question.
func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{text}
	}
	for i := range sentences {
		sentences[i] = strings.TrimSpace(sentences[i])
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx, bestScore := 0, -1
	for i, s := range sentences {
		if score := tokenOverlapScore(qTokens, s); score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	sentences[bestIdx] = highlightStyle.Render(sentences[bestIdx])
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	seen := map[string]struct{}{}
	for _, t := range unicodeWordRe.FindAllString(strings.ToLower(sentence), -1) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
