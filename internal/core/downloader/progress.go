package downloader

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	doneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// tuiState is the shared snapshot the background download writes and the
// TUI reads on its ticks.
type tuiState struct {
	mu        sync.RWMutex
	last      Progress
	done      bool
	err       error
	finalPath string
	startTime time.Time
	endTime   time.Time
}

func (s *tuiState) update(p Progress) {
	s.mu.Lock()
	s.last = p
	s.mu.Unlock()
}

func (s *tuiState) finish(res Result) {
	s.mu.Lock()
	s.done = true
	s.err = res.Err
	s.finalPath = res.Path
	s.endTime = time.Now()
	s.mu.Unlock()
}

func (s *tuiState) get() (Progress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.done, s.err
}

func (s *tuiState) elapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endTime.IsZero() {
		return time.Since(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// downloadModel renders one download: spinner + gradient bar + stats.
type downloadModel struct {
	progress progress.Model
	spinner  spinner.Model
	label    string
	state    *tuiState
	cancel   func()
}

func newDownloadModel(label string, state *tuiState, cancel func()) downloadModel {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(50),
	)
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return downloadModel{progress: p, spinner: s, label: label, state: state, cancel: cancel}
}

func (m downloadModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func (m downloadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd

	case tickMsg:
		p, done, err := m.state.get()
		if err != nil || done {
			return m, tea.Quit
		}
		cmds := []tea.Cmd{tickCmd()}
		if p.Percent > 0 {
			cmds = append(cmds, m.progress.SetPercent(p.Percent/100))
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m downloadModel) View() string {
	p, done, err := m.state.get()

	if err != nil {
		return fmt.Sprintf("\n  %s download failed: %v\n\n", errStyle.Render("✗"), err)
	}

	if done {
		m.state.mu.RLock()
		displayPath := m.state.finalPath
		m.state.mu.RUnlock()
		if abs, err := filepath.Abs(displayPath); err == nil {
			displayPath = abs
		}
		elapsed := m.state.elapsed()
		var avg float64
		if secs := elapsed.Seconds(); secs > 0 {
			avg = float64(p.Loaded) / secs
		}
		return fmt.Sprintf("\n  %s done\n  saved: %s (%s)\n  elapsed: %s  |  avg: %s/s\n\n",
			doneStyle.Render("✓"),
			displayPath,
			formatBytes(p.Loaded),
			formatDuration(elapsed),
			formatBytes(int64(avg)),
		)
	}

	var s string
	s += "\n"
	s += fmt.Sprintf("  %s downloading %s\n\n", m.spinner.View(), infoStyle.Render(m.label))
	s += fmt.Sprintf("  %s\n\n", m.progress.View())

	if p.Total > 0 {
		s += fmt.Sprintf("  %.1f%%  |  %s/%s  |  %s/s\n",
			p.Percent,
			formatBytes(p.Loaded),
			formatBytes(p.Total),
			formatBytes(int64(p.Speed)),
		)
	} else {
		s += fmt.Sprintf("  %.1f%%  |  %s  |  %s/s\n",
			p.Percent,
			formatBytes(p.Loaded),
			formatBytes(int64(p.Speed)),
		)
	}

	s += "\n"
	s += helpStyle.Render("  press q to cancel")
	s += "\n"
	return s
}

// RunTUI drives a download function under a live progress display. start
// runs in the background with a callback wired into the UI; the returned
// Result is the download's.
func RunTUI(label string, cancel func(), start func(onProgress ProgressFunc) Result) Result {
	state := &tuiState{startTime: time.Now()}
	resCh := make(chan Result, 1)

	go func() {
		res := start(state.update)
		state.finish(res)
		resCh <- res
	}()

	p := tea.NewProgram(newDownloadModel(label, state, cancel))
	if _, err := p.Run(); err != nil {
		return failResult(err)
	}
	return <-resCh
}
