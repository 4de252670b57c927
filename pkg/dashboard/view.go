package dashboard

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/registry"
)

const maxViewWidth = 110

var (
	ruleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	indexStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
	commandStyle = lipgloss.NewStyle().Bold(true)
	urlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
	triggerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	exitStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	categoryStyles = map[registry.Status]lipgloss.Style{
		registry.StatusOngoing:   lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true),
		registry.StatusHanging:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		registry.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		registry.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
	}
)

func (m *Model) View() string {
	width := m.viewWidth()
	rule := ruleStyle.Render(strings.Repeat("=", width))
	center := lipgloss.NewStyle().Width(width).Align(lipgloss.Center)

	var b strings.Builder

	b.WriteString(rule + "\n")
	b.WriteString(center.Render(titleStyle.Render("MATAN-NTFY DASHBOARD")) + "\n")
	b.WriteString(center.Render(dimStyle.Render("Updated: "+time.Now().Format("2006-01-02 15:04:05"))) + "\n")
	b.WriteString(rule + "\n\n")

	for _, status := range registry.Categories() {
		b.WriteString(m.viewCategory(status, width))
	}

	b.WriteString(rule + "\n")
	b.WriteString(m.footer() + "\n")
	b.WriteString(rule + "\n")

	return b.String()
}

func (m *Model) viewCategory(status registry.Status, width int) string {
	runs := m.snapshot.Runs[status]
	total := m.snapshot.Totals[status]

	var b strings.Builder

	header := fmt.Sprintf("%s (%d):", strings.ToUpper(string(status)), total)
	b.WriteString(categoryStyles[status].Render(header) + "\n")
	b.WriteString(dimStyle.Render(strings.Repeat("-", width)) + "\n")

	if len(runs) == 0 {
		b.WriteString("  " + dimStyle.Render("(none)") + "\n\n")
		return b.String()
	}

	for i, run := range runs {
		b.WriteString(viewRun(i+1, status, run))
	}

	b.WriteString("\n")

	return b.String()
}

func viewRun(index int, status registry.Status, run *registry.Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("  %s %s %s\n",
		indexStyle.Render(fmt.Sprintf("[%d]", index)),
		dimStyle.Render("["+timeDisplay(status, run)+"]"),
		commandStyle.Render(commandName(run.Command)),
	))

	detail := func(line string) {
		b.WriteString("      " + line + "\n")
	}

	if run.URL != "" {
		detail(urlStyle.Render("└─ URL: " + run.URL))
	}

	if run.Tmux != "" {
		detail(dimStyle.Render("└─ Tmux: " + run.Tmux))
	}

	if run.Machine != "" {
		machine, _, _ := strings.Cut(run.Machine, ".")
		detail(dimStyle.Render("└─ Machine: " + machine))
	}

	if run.Cwd != "" {
		detail(dimStyle.Render("└─ Dir: " + shortenDir(run.Cwd)))
	}

	if status == registry.StatusHanging {
		for _, trigger := range run.Triggers {
			detail(triggerStyle.Render("└─ Trigger: " + trigger))
		}
	}

	if status == registry.StatusFailed {
		code := "unknown"
		if run.ExitCode != nil {
			code = strconv.Itoa(*run.ExitCode)
		}

		detail(exitStyle.Render("└─ Exit code: " + code))
	}

	return b.String()
}

func (m *Model) footer() string {
	switch {
	case m.status != "":
		return statusStyle.Render(m.status)

	case m.pending > 0:
		return promptStyle.Render(fmt.Sprintf(
			"Selected [%d]. Press: [o]=ONGOING [h]=HANGING [f]=FAILED [c]=COMPLETED", m.pending,
		))

	default:
		return helpStyle.Render("Delete: [1-6] then [o/h/f/c]  |  Flush: [F/C/H/A]  |  Quit: [q] or Ctrl+C")
	}
}

func (m *Model) viewWidth() int {
	if m.width > 0 && m.width < maxViewWidth {
		return m.width
	}

	return maxViewWidth
}

// timeDisplay shows how long ago the run started; for runs past ONGOING it
// appends how long ago the status last changed.
func timeDisplay(status registry.Status, run *registry.Run) string {
	started := formatAge(run.StartTime)

	if status == registry.StatusOngoing {
		return fmt.Sprintf("%8s", started)
	}

	changed := run.StartTime
	if run.EndTime != nil {
		changed = *run.EndTime
	}

	if run.StatusChangeTime != nil {
		changed = *run.StatusChangeTime
	}

	return fmt.Sprintf("%8s→%8s", started, formatAge(changed))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	d := time.Since(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// commandName reduces the full command to the basename of its first word,
// which is what fits on a dashboard row.
func commandName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return truncate(command, 50)
	}

	return path.Base(fields[0])
}

func shortenDir(dir string) string {
	if len(dir) < 80 {
		return dir
	}

	return "..." + dir[len(dir)-77:]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max]
}
