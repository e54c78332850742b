package tui

import (
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/lexcodex/cuekit/persistence"
)

// RenderTable draws rows under headers with a rounded border.
func RenderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	return t.Render() + "\n"
}

// RenderHistory lists install records, newest first as given.
func RenderHistory(records []persistence.InstallRecord) string {
	if len(records) == 0 {
		return dimStyle.Render("no installs recorded") + "\n"
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			r.Tag,
			r.Asset,
			r.Path,
			r.InstalledAt.Local().Format(time.DateTime),
		})
	}
	return RenderTable([]string{"#", "Tag", "Asset", "Path", "Installed"}, rows)
}
