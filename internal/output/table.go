package output

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/tanq16/gleaner/internal/utils"
)

const maxCellWidth = 60

// ResourceTable renders discovered resources with their 1-based index.
func ResourceTable(resources []utils.Resource) string {
	t := table.New().Headers("#", "Title", "Type", "URL", "Preview")
	t = t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
		}
		return lipgloss.NewStyle().Padding(0, 1)
	})
	for i, r := range resources {
		t.Row(strconv.Itoa(i+1), truncate(r.Title), string(r.Kind), truncate(r.URL), truncate(r.PreviewURL))
	}
	return t.String()
}

func PrintResources(resources []utils.Resource) {
	if len(resources) == 0 {
		PrintWarning("no resources found")
		return
	}
	fmt.Println(ResourceTable(resources))
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxCellWidth {
		return s
	}
	return string(runes[:maxCellWidth-1]) + "…"
}
