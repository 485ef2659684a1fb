// Package ui is the terminal front-end: login, conversation directory and
// chat views on top of the chat controller.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/cloudzz-dev/estatemsg/internal/client/api"
	"github.com/cloudzz-dev/estatemsg/internal/client/chat"
	"github.com/cloudzz-dev/estatemsg/internal/client/realtime"
	"github.com/cloudzz-dev/estatemsg/internal/client/session"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"go.uber.org/zap"
)

type viewState int

const (
	viewAuth viewState = iota
	viewConversations
	viewChat
)

const (
	fieldEmail = iota
	fieldPassword
	fieldFirstName
	fieldLastName
)

// Deps are the long-lived services the UI drives.
type Deps struct {
	API       *api.Client
	Realtime  *realtime.Manager
	Profile   string
	APIURL    string
	SocketURL string
	Saved     *session.Session
	Log       *zap.Logger
}

type authResultMsg struct {
	resp *models.AuthResponse
	err  error
}

type restoredMsg struct {
	user  *models.User
	token string
	err   error
}

type Model struct {
	deps Deps
	ctx  context.Context
	stop context.CancelFunc

	ctrl *chat.Controller

	// Auth
	registering bool
	fields      []textinput.Model
	focused     int
	authError   string
	busy        bool

	// Conversations
	cursor int

	// Chat
	input   textinput.Model
	pending []string
	chatVP  viewport.Model

	view   viewState
	width  int
	height int
}

func New(deps Deps) Model {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	mk := func(placeholder string, limit int) textinput.Model {
		ti := textinput.New()
		ti.Placeholder = placeholder
		ti.CharLimit = limit
		ti.Width = 30
		return ti
	}
	fields := []textinput.Model{
		mk("Email", 128),
		mk("Password", 64),
		mk("First name", 64),
		mk("Last name", 64),
	}
	fields[fieldPassword].EchoMode = textinput.EchoPassword
	if deps.Saved != nil {
		fields[fieldEmail].SetValue(deps.Saved.Email)
	}
	fields[fieldEmail].Focus()

	input := mk("Type a message or /attach <path>...", 2000)
	input.Width = 60

	ctx, stop := context.WithCancel(context.Background())
	return Model{
		deps:   deps,
		ctx:    ctx,
		stop:   stop,
		fields: fields,
		input:  input,
		chatVP: viewport.New(80, 20),
		view:   viewAuth,
	}
}

// --- Commands ---

func (m Model) authenticate() tea.Cmd {
	client, ctx := m.deps.API, m.ctx
	email := strings.TrimSpace(m.fields[fieldEmail].Value())
	password := m.fields[fieldPassword].Value()

	if !m.registering {
		return func() tea.Msg {
			resp, err := client.Login(ctx, email, password)
			return authResultMsg{resp: resp, err: err}
		}
	}
	req := models.RegisterRequest{
		Email:     email,
		Password:  password,
		FirstName: strings.TrimSpace(m.fields[fieldFirstName].Value()),
		LastName:  strings.TrimSpace(m.fields[fieldLastName].Value()),
	}
	return func() tea.Msg {
		resp, err := client.Register(ctx, req)
		return authResultMsg{resp: resp, err: err}
	}
}

func (m Model) restore() tea.Cmd {
	saved := m.deps.Saved
	if saved == nil || !saved.Valid() {
		return nil
	}
	client, ctx := m.deps.API, m.ctx
	client.SetToken(saved.Token)
	return func() tea.Msg {
		u, err := client.Me(ctx)
		return restoredMsg{user: u, token: saved.Token, err: err}
	}
}

// startSession connects realtime with the token and hands control to a
// fresh chat controller.
func (m *Model) startSession(user models.User, token string) tea.Cmd {
	m.deps.API.SetToken(token)

	s := session.Session{
		APIURL:    m.deps.APIURL,
		SocketURL: m.deps.SocketURL,
		Email:     user.Email,
		UserID:    user.ID,
		Token:     token,
	}
	if err := session.Save(m.deps.Profile, s); err != nil {
		m.deps.Log.Warn("could not save session", zap.Error(err))
	}

	m.deps.Realtime.Start(m.ctx, token)
	m.ctrl = chat.NewController(m.deps.API, m.deps.Realtime, user,
		chat.WithLogger(m.deps.Log.Named("chat")),
		chat.WithContext(m.ctx))
	m.view = viewConversations
	m.cursor = 0
	m.authError = ""
	return m.ctrl.Init()
}

func (m *Model) logout() {
	m.deps.Realtime.Stop()
	if err := session.Clear(m.deps.Profile); err != nil {
		m.deps.Log.Warn("could not clear session", zap.Error(err))
	}
	m.deps.API.SetToken("")
	m.ctrl = nil
	m.pending = nil
	m.input.SetValue("")
	m.fields[fieldPassword].SetValue("")
	m.view = viewAuth
}

// Close releases the realtime connection and cancels in-flight requests.
func (m Model) Close() {
	m.deps.Realtime.Stop()
	m.stop()
}

// --- Init ---

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.restore())
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatVP.Width = msg.Width - 4
		m.chatVP.Height = msg.Height - 8
		m.refreshChat()

	case authResultMsg:
		m.busy = false
		if msg.err != nil {
			m.authError = msg.err.Error()
			return m, nil
		}
		cmd := m.startSession(msg.resp.User, msg.resp.Token)
		return m, cmd

	case restoredMsg:
		if msg.err != nil {
			m.deps.Log.Info("saved session rejected", zap.Error(msg.err))
			m.deps.API.SetToken("")
			m.authError = "Session expired, please log in again"
			return m, nil
		}
		cmd := m.startSession(*msg.user, msg.token)
		return m, cmd

	default:
		if m.ctrl != nil {
			cmds = append(cmds, m.ctrl.Update(msg))
			m.clampCursor()
			m.refreshChat()
		}
	}

	switch m.view {
	case viewAuth:
		var cmd tea.Cmd
		m.fields[m.focused], cmd = m.fields[m.focused].Update(msg)
		cmds = append(cmds, cmd)
	case viewChat:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.chatVP, cmd = m.chatVP.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(k tea.KeyMsg) (tea.Cmd, bool) {
	switch k.String() {
	case "ctrl+c":
		return tea.Quit, true
	}

	switch m.view {
	case viewAuth:
		return m.authKey(k)
	case viewConversations:
		return m.directoryKey(k)
	case viewChat:
		return m.chatKey(k)
	}
	return nil, false
}

func (m *Model) authKey(k tea.KeyMsg) (tea.Cmd, bool) {
	switch k.String() {
	case "esc":
		return tea.Quit, true
	case "tab", "down":
		m.focus((m.focused + 1) % m.fieldCount())
		return nil, true
	case "shift+tab", "up":
		m.focus((m.focused + m.fieldCount() - 1) % m.fieldCount())
		return nil, true
	case "ctrl+r":
		m.registering = !m.registering
		m.focus(fieldEmail)
		return nil, true
	case "enter":
		if m.busy {
			return nil, true
		}
		if m.fields[fieldEmail].Value() == "" || m.fields[fieldPassword].Value() == "" {
			m.authError = "Email and password are required"
			return nil, true
		}
		if m.registering && m.fields[fieldFirstName].Value() == "" {
			m.authError = "First name is required"
			return nil, true
		}
		m.busy = true
		m.authError = ""
		return m.authenticate(), true
	}
	return nil, false
}

func (m *Model) fieldCount() int {
	if m.registering {
		return len(m.fields)
	}
	return fieldPassword + 1
}

func (m *Model) focus(i int) {
	m.fields[m.focused].Blur()
	m.focused = i
	m.fields[i].Focus()
}

func (m *Model) directoryKey(k tea.KeyMsg) (tea.Cmd, bool) {
	recent := m.ctrl.Directory.Recent()
	switch k.String() {
	case "q", "esc":
		return tea.Quit, true
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return nil, true
	case "down", "j":
		if m.cursor < len(recent)-1 {
			m.cursor++
		}
		return nil, true
	case "r":
		return m.ctrl.FetchConversations(), true
	case "ctrl+l":
		m.logout()
		return nil, true
	case "enter":
		if len(recent) == 0 {
			return nil, true
		}
		cmd := m.ctrl.Select(recent[m.cursor].ID)
		m.view = viewChat
		m.pending = nil
		m.input.SetValue("")
		m.input.Focus()
		m.refreshChat()
		return cmd, true
	}
	return nil, false
}

func (m *Model) chatKey(k tea.KeyMsg) (tea.Cmd, bool) {
	switch k.String() {
	case "esc":
		m.ctrl.Deselect()
		m.input.Blur()
		m.view = viewConversations
		return nil, true
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if path, ok := strings.CutPrefix(text, "/attach "); ok {
			if path = strings.TrimSpace(path); path != "" {
				m.pending = append(m.pending, path)
			}
			m.input.SetValue("")
			return nil, true
		}
		cmd := m.ctrl.Send(text, m.pending)
		if cmd != nil {
			m.input.SetValue("")
			m.pending = nil
		}
		m.refreshChat()
		return cmd, true
	}
	return nil, false
}

func (m *Model) clampCursor() {
	if n := m.ctrl.Directory.Len(); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

func (m *Model) refreshChat() {
	if m.ctrl == nil || m.view != viewChat {
		return
	}
	m.chatVP.SetContent(RenderMessages(m.ctrl.Stream.Messages(), m.ctrl.Me().ID))
	m.chatVP.GotoBottom()
}

// --- View ---

func (m Model) View() string {
	switch m.view {
	case viewAuth:
		return m.authView()
	case viewConversations:
		return m.conversationsView()
	case viewChat:
		return m.chatView()
	}
	return ""
}

func (m Model) authView() string {
	var s strings.Builder

	s.WriteString("\n\n")
	s.WriteString(titleStyle.Render("ESTATEMSG · broker messaging"))
	s.WriteString("\n\n")

	if m.registering {
		s.WriteString(mutedStyle.Render("  Login   "))
		s.WriteString(selectedStyle.Render("→ Register\n"))
	} else {
		s.WriteString(selectedStyle.Render("  → Login"))
		s.WriteString(mutedStyle.Render("   Register\n"))
	}
	s.WriteString(helpStyle.Render("  (Ctrl+R to switch)\n\n"))

	labels := []string{"Email", "Password", "First name", "Last name"}
	for i := 0; i < m.fieldCount(); i++ {
		s.WriteString("  " + labels[i] + ":\n")
		s.WriteString("  " + m.fields[i].View() + "\n\n")
	}

	if m.authError != "" {
		s.WriteString(errorStyle.Render("  " + m.authError + "\n\n"))
	}
	if m.busy {
		s.WriteString(mutedStyle.Render("  Signing in...\n\n"))
	}

	s.WriteString(helpStyle.Render("  Tab to switch fields • Enter to submit • Esc to quit\n"))
	return s.String()
}

func (m Model) statusLine() string {
	if m.ctrl != nil && m.ctrl.Online() {
		return selectedStyle.Render("● online")
	}
	return mutedStyle.Render("○ offline")
}

func (m Model) notices() string {
	if m.ctrl == nil {
		return ""
	}
	var s strings.Builder
	for _, n := range m.ctrl.Notices() {
		s.WriteString(errorStyle.Render("! "+n.Text) + "\n")
	}
	return s.String()
}

func (m Model) conversationsView() string {
	var s strings.Builder

	me := m.ctrl.Me()
	title := fmt.Sprintf("ESTATEMSG - %s", me.DisplayName())
	if me.IsAdmin() {
		title += " " + adminBadgeStyle.Render("[admin]")
	}
	s.WriteString(titleStyle.Render(title) + "  " + m.statusLine())
	s.WriteString("\n\n")

	recent := m.ctrl.Directory.Recent()
	if len(recent) == 0 {
		s.WriteString(mutedStyle.Render("  No conversations yet.\n"))
	}
	for i, c := range recent {
		s.WriteString(RenderConversation(c, i == m.cursor) + "\n")
	}

	s.WriteString("\n")
	s.WriteString(m.notices())
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to open • r refresh • Ctrl+L log out • q to quit"))
	return s.String()
}

func (m Model) chatView() string {
	var s strings.Builder

	name := m.ctrl.Selected()
	if c, ok := m.ctrl.Directory.Get(name); ok {
		name = c.Counterparty.DisplayName()
	}
	rule := strings.Repeat("─", max(m.width-2, 10))

	s.WriteString(titleStyle.Render("💬 "+name) + "  " + m.statusLine())
	s.WriteString("\n" + rule + "\n")
	s.WriteString(m.chatVP.View())
	s.WriteString("\n" + rule + "\n")
	for _, p := range m.pending {
		s.WriteString(mutedStyle.Render("  📎 "+p) + "\n")
	}
	s.WriteString(m.input.View())
	s.WriteString("\n")
	s.WriteString(m.notices())
	s.WriteString(helpStyle.Render("Enter to send • /attach <path> to add a file • Esc to go back"))
	return s.String()
}
