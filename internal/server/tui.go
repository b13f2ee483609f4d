// ABOUTME: Server TUI for displaying listeners, consumer slots and buffer fill
// ABOUTME: Real-time server status display using bubbletea, rendered on stderr
package server

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ServerTUI manages the server TUI
type ServerTUI struct {
	mu      sync.Mutex
	program *tea.Program
	stopped bool

	output   io.Writer
	updates  chan ServerStatus
	quitChan chan struct{} // Signal to stop the server
}

// ServerStatus holds server state for TUI
type ServerStatus struct {
	Name       string
	Listeners  []ListenerInfo
	AudioTitle string
	SampleRate int
	Engine     Status
}

// ListenerInfo describes one configured target for display
type ListenerInfo struct {
	Target string
	Addr   string
	Delay  int
}

// tuiModel is the bubbletea model for server TUI
type tuiModel struct {
	status    ServerStatus
	startTime time.Time
	quitting  bool
	quitChan  chan struct{} // Channel to signal server stop
}

type tickMsg time.Time
type statusMsg ServerStatus

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(
		tickEvery(),
	)
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			// Signal the server to stop
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = ServerStatus(msg)
		return m, nil
	}

	return m, nil
}

// seconds formats a unit count as seconds at the given rate
func seconds(units, rate int) string {
	if rate <= 0 {
		return fmt.Sprintf("%d", units)
	}
	return fmt.Sprintf("%.2fs", float64(units)/float64(rate))
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	slotHeaderStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("220"))

	waitingStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	var b strings.Builder
	st := m.status
	eng := st.Engine

	b.WriteString(titleStyle.Render("datstream"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Server: "))
	b.WriteString(valueStyle.Render(st.Name))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	uptime := time.Since(m.startTime).Round(time.Second)
	b.WriteString(valueStyle.Render(uptime.String()))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Input: "))
	b.WriteString(valueStyle.Render(st.AudioTitle))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Buffer: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%s of %s buffered, %s ingested",
		seconds(eng.Buffered, st.SampleRate), seconds(eng.Capacity, st.SampleRate),
		seconds(int(eng.Total), st.SampleRate))))
	b.WriteString("\n\n")

	b.WriteString(slotHeaderStyle.Render(fmt.Sprintf("Listeners (%d)", len(st.Listeners))))
	b.WriteString("\n")
	for _, l := range st.Listeners {
		b.WriteString(fmt.Sprintf("  %-12s", l.Target))
		b.WriteString(valueStyle.Render(fmt.Sprintf(" %-22s delay %s", l.Addr, seconds(l.Delay, st.SampleRate))))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(slotHeaderStyle.Render(fmt.Sprintf("Outputs (%d active, %d free)", len(eng.Slots), eng.Free)))
	b.WriteString("\n")

	if len(eng.Slots) == 0 {
		b.WriteString(valueStyle.Render("  No consumers connected"))
		b.WriteString("\n")
	} else {
		for _, slot := range eng.Slots {
			b.WriteString(fmt.Sprintf("  [%2d] %-12s %-22s", slot.Index, slot.Target, slot.Remote))
			if slot.Remaining > 0 {
				b.WriteString(waitingStyle.Render(fmt.Sprintf(" filling, %s to go", seconds(slot.Remaining, st.SampleRate))))
			} else {
				b.WriteString(valueStyle.Render(fmt.Sprintf(" delay %s, %d bytes sent",
					seconds(slot.Offset, st.SampleRate), slot.Written)))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

// NewServerTUI creates a new server TUI writing to output
func NewServerTUI(output io.Writer) *ServerTUI {
	return &ServerTUI{
		output:   output,
		updates:  make(chan ServerStatus, 10),
		quitChan: make(chan struct{}, 1),
	}
}

// Start runs the TUI until it quits or Stop is called
func (t *ServerTUI) Start(initial ServerStatus) error {
	m := tuiModel{
		status:    initial,
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithOutput(t.output))
	t.program = program
	t.mu.Unlock()

	go func() {
		for status := range t.updates {
			program.Send(statusMsg(status))
		}
	}()

	_, err := program.Run()
	return err
}

// Update sends a status update to the TUI
func (t *ServerTUI) Update(status ServerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.updates <- status:
	default:
		// Don't block if channel is full
	}
}

// Stop stops the TUI. It is safe to call before Start.
func (t *ServerTUI) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.program != nil {
		t.program.Quit()
	}
	close(t.updates)
}

// QuitChan returns the channel that signals when user wants to quit
func (t *ServerTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
