package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/mailport/mailport/internal/engine"
)

type folderProgress struct {
	total int
	done  int
}

type model struct {
	ctx      context.Context
	cancel   context.CancelFunc
	worker   *engine.Migrator
	prog     map[string]folderProgress
	current  string
	totalAll int
	doneAll  int
	spinner  spinner.Model
	bar      progress.Model
	skips    []error
	stats    engine.Stats
	fatal    error
	finished bool
	started  time.Time
	// Smoothed ETA
	emaRate  float64 // msgs/sec (EMA)
	lastDone int
	lastAt   time.Time
}

type tickMsg time.Time

type doneMsg struct {
	stats engine.Stats
	err   error
}

func newModel(ctx context.Context, worker *engine.Migrator) *model {
	cctx, cancel := context.WithCancel(ctx)
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &model{ctx: cctx, cancel: cancel, worker: worker, prog: map[string]folderProgress{}, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), m.startRun())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) startRun() tea.Cmd {
	// Kick off the migration in the background
	return func() tea.Msg {
		stats, err := m.worker.Run(m.ctx)
		return doneMsg{stats: stats, err: err}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, tea.Quit
		}
	case doneMsg:
		m.stats = msg.stats
		m.fatal = msg.err
		m.finished = true
		if m.fatal == nil {
			m.doneAll = m.totalAll
		}
		return m, tea.Quit
	case tickMsg:
		// update EMA of throughput on each tick
		m.updateEMARate()
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	// Drain events
	for {
		select {
		case ev, ok := <-m.worker.Events():
			if !ok {
				return m, nil
			}
			switch ev.Type {
			case engine.EventFolderStart:
				m.current = ev.Folder
			case engine.EventFolderProgress:
				fp := m.prog[ev.Folder]
				fp.total, fp.done = ev.Total, ev.Done
				m.prog[ev.Folder] = fp
				m.recomputeTotals()
			case engine.EventFolderSkip:
				if ev.Err != nil {
					m.skips = append(m.skips, fmt.Errorf("%s: %w", ev.Folder, ev.Err))
				}
			}
		default:
			return m, nil
		}
	}
}

func (m *model) recomputeTotals() {
	total, done := 0, 0
	for _, p := range m.prog {
		total += p.total
		done += p.done
	}
	m.totalAll, m.doneAll = total, done
}

func (m *model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("Mailport")
	s := title + "\n\nPress q to quit\n\n"
	pct := 0.0
	if m.totalAll > 0 {
		pct = float64(m.doneAll) / float64(m.totalAll)
	}
	eta := m.formatETA()
	if m.current != "" && !m.finished {
		s += fmt.Sprintf("%s %s  %d/%d   %s\n", m.spinner.View(), m.current, m.doneAll, m.totalAll, eta)
	} else {
		s += fmt.Sprintf("%s Overall %d/%d   %s\n", m.spinner.View(), m.doneAll, m.totalAll, eta)
	}
	s += m.bar.ViewAs(pct) + "\n\n"
	if m.finished && m.fatal != nil {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("Fatal:\n")
		s += " - " + m.fatal.Error() + "\n"
	}
	if m.finished && len(m.skips) > 0 {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render("Skipped folders:\n")
		for _, e := range m.skips {
			s += " - " + e.Error() + "\n"
		}
	}
	return s
}

func (m *model) formatETA() string {
	// Simple ETA based on average rate since start
	if m.totalAll == 0 {
		return "ETA --"
	}
	remaining := m.totalAll - m.doneAll
	if remaining <= 0 {
		return "ETA 0s"
	}
	// Prefer smoothed rate if available; fallback to average rate
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(m.doneAll) / elapsed.Seconds()
	}
	if rate <= 0.01 { // too low/unstable
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	// cap very large ETAs to something readable
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	// human-friendly formatting
	if d >= time.Hour {
		h := int(d / time.Hour)
		rem := d - time.Duration(h)*time.Hour
		mrem := int(rem / time.Minute)
		return fmt.Sprintf("ETA %dh%dm", h, mrem)
	}
	if d >= time.Minute {
		mns := int(d.Minutes())
		sec := int(d.Seconds()) % 60
		return fmt.Sprintf("ETA %dm%ds", mns, sec)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since last tick.
func (m *model) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	delta := m.doneAll - m.lastDone
	inst := float64(delta) / dt // msgs/sec
	// EMA with half-life ~3s -> alpha depends on dt
	halfLife := 3.0 // seconds
	alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.doneAll
	m.lastAt = now
}

// runTUI runs the Bubble Tea UI and returns the run's stats and fatal
// error after completion.
func runTUI(ctx context.Context, worker *engine.Migrator) (engine.Stats, error) {
	m := newModel(ctx, worker)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		// Fallback to non-TUI execution
		fmt.Println("TUI failed:", err)
		go func() {
			for range worker.Events() {
			}
		}()
		return worker.Run(ctx)
	}
	return m.stats, m.fatal
}

// --- Confirmation TUI ---

type confirmModel struct {
	title   string
	summary string
	choice  *bool
}

func newConfirmModel(title, summary string) *confirmModel {
	return &confirmModel{title: title, summary: summary}
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "enter":
			v := true
			m.choice = &v
			return m, tea.Quit
		case "n", "q", "esc", "ctrl+c":
			v := false
			m.choice = &v
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render(m.title)
	desc := lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render("Press y to confirm, n to cancel")
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2).Width(78).Render(m.summary)
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", title, box, desc)
}

// runConfirmTUI displays a confirmation dialog with a summary and returns true if confirmed.
func runConfirmTUI(title, summary string) (bool, error) {
	m := newConfirmModel(title, summary)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return false, err
	}
	if m.choice == nil {
		return false, nil
	}
	return *m.choice, nil
}
