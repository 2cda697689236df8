package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#7C3AED")).
	MarginBottom(1)

var successStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#10B981"))

var warnStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F59E0B"))

var errStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#EF4444"))

var dimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#6B7280"))

var labelStyle = lipgloss.NewStyle().
	Width(24).
	Foreground(lipgloss.Color("#9CA3AF"))

// field is one labelled line of human output.
type field struct {
	label string
	value string
}

// report prints v as JSON with --json, otherwise a title and fields.
func report(v any, title string, fields ...field) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(headerStyle.Render(title))
	for _, f := range fields {
		fmt.Println(labelStyle.Render(f.label) + f.value)
	}
	return nil
}

// status renders an OK/WARN/FAIL tag.
func status(ok bool, okText, badText string) string {
	if ok {
		return successStyle.Render(okText)
	}
	return warnStyle.Render(badText)
}

// table renders rows with padded columns under a dim header.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}
	pad := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	var b strings.Builder
	b.WriteString(dimStyle.Render(pad(header)))
	for _, r := range rows {
		b.WriteByte('\n')
		b.WriteString(pad(r))
	}
	return b.String()
}
