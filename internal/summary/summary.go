// Package summary renders an aggregate state for the terminal.
package summary

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/agencyops/opsync/pkg/livesync"
	"github.com/agencyops/opsync/pkg/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	waitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// Render returns one row per collection (record count, whether a snapshot
// arrived) followed by the loading and error lines. Collections follow
// models.Collections order; others are appended sorted.
func Render(st livesync.State) string {
	if !st.Started() {
		return waitStyle.Render("not started: no identity") + "\n"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("COLLECTION", "RECORDS", "DELIVERED").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, c := range order(st) {
		delivered := waitStyle.Render("no")
		if st.Delivered(c) {
			delivered = okStyle.Render("yes")
		}
		t.Row(string(c), strconv.Itoa(len(st.Records(c))), delivered)
	}

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")

	switch {
	case st.Stopped:
		b.WriteString("stopped\n")
	case st.Loading:
		b.WriteString(waitStyle.Render("loading") + "\n")
	default:
		b.WriteString(okStyle.Render("loaded") + "\n")
	}
	if st.Err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("error: %v", st.Err)) + "\n")
	}
	return b.String()
}

func order(st livesync.State) []models.Collection {
	out := make([]models.Collection, 0, len(st.Collections))
	seen := make(map[models.Collection]bool, len(st.Collections))
	for _, c := range models.Collections() {
		if _, ok := st.Collections[c]; ok {
			out = append(out, c)
			seen[c] = true
		}
	}
	var rest []models.Collection
	for c := range st.Collections {
		if !seen[c] {
			rest = append(rest, c)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}
