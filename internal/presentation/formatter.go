// Package presentation renders registry data for the CLI: indented JSON for
// scripts and lipgloss tables for people.
package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#4B5563", Dark: "#D1D5DB"})
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6B7280"})

	statusStyles = map[domain.Status]lipgloss.Style{
		domain.StatusStarting:     lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2563EB", Dark: "#60A5FA"}),
		domain.StatusOnline:       lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#059669", Dark: "#10B981"}),
		domain.StatusDegraded:     lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#F59E0B"}),
		domain.StatusOffline:      lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#EF4444"}).Bold(true),
		domain.StatusDeregistered: mutedStyle,
	}
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatJSON writes v as indented JSON.
func (f *Formatter) FormatJSON(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// FormatJSONLine writes v as a single line of JSON.
func (f *Formatter) FormatJSONLine(v any) error {
	return json.NewEncoder(f.writer).Encode(v)
}

// FormatEntities writes a table of entities.
func (f *Formatter) FormatEntities(entities []*domain.Entity, now time.Time) error {
	header := []string{"NAME", "TYPE", "STATUS", "SCORE", "CAPABILITIES", "LAST HEARTBEAT", "ID"}
	rows := make([][]string, 0, len(entities))
	styles := make([]map[int]lipgloss.Style, 0, len(entities))
	for _, e := range entities {
		r := FromEntity(e, now)
		rows = append(rows, []string{r.Name, r.Type, string(r.Status), r.Score, r.Capabilities, r.LastHeartbeat, r.ID})
		styles = append(styles, map[int]lipgloss.Style{2: statusStyle(r.Status), 6: mutedStyle})
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(f.writer, mutedStyle.Render("no entities"))
		return err
	}
	_, err := fmt.Fprintln(f.writer, renderTable(header, rows, styles))
	return err
}

// FormatSummary writes the per-type, per-status health table.
func (f *Formatter) FormatSummary(s discovery.Summary) error {
	header := []string{"TYPE"}
	for _, st := range domain.Statuses {
		header = append(header, strings.ToUpper(string(st)))
	}
	header = append(header, "TOTAL")

	summaryRows := FromSummary(s)
	rows := make([][]string, 0, len(summaryRows))
	styles := make([]map[int]lipgloss.Style, 0, len(summaryRows))
	for _, r := range summaryRows {
		row := []string{r.Type}
		st := map[int]lipgloss.Style{}
		for i, n := range r.Counts {
			row = append(row, strconv.Itoa(n))
			if n > 0 {
				st[i+1] = statusStyle(domain.Statuses[i])
			}
		}
		row = append(row, strconv.Itoa(r.Total))
		rows = append(rows, row)
		styles = append(styles, st)
	}

	out := renderTable(header, rows, styles)
	footer := "generated " + s.GeneratedAt.Format(time.RFC3339)
	if s.Stale {
		footer += " (stale: store unreachable)"
	}
	_, err := fmt.Fprintln(f.writer, lipgloss.JoinVertical(lipgloss.Left, out, "", mutedStyle.Render(footer)))
	return err
}

func statusStyle(s domain.Status) lipgloss.Style {
	if st, ok := statusStyles[s]; ok {
		return st
	}
	return lipgloss.NewStyle()
}

// renderTable lays out left-aligned columns sized to their widest cell.
// styles[i][col] overrides the style of one body cell.
func renderTable(header []string, rows [][]string, styles []map[int]lipgloss.Style) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	lines := make([]string, 0, len(rows)+1)
	head := make([]string, len(header))
	for i, h := range header {
		head[i] = cellStyle.Width(widths[i] + 2).Render(headerStyle.Render(h))
	}
	lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, head...))

	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if st, ok := styles[r][i]; ok {
				cell = st.Render(cell)
			}
			cells[i] = cellStyle.Width(widths[i] + 2).Render(cell)
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
