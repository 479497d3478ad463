package tui

import (
	"fmt"

	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"
)

// categoryItem is one row of the home view.
type categoryItem struct {
	model.CategorySummary
}

func (c categoryItem) FilterValue() string { return c.Category.Title() }
func (c categoryItem) Title() string {
	return fmt.Sprintf("%s (%d)", c.Category.Title(), c.Count)
}
func (c categoryItem) Description() string {
	if c.Err != "" {
		return "! " + c.Err
	}
	if len(c.Sample) > 0 {
		return c.Sample[0].Subject
	}
	return "nothing to clean"
}

// groupItem wraps SenderGroup to customize list display.
type groupItem struct {
	model.SenderGroup
}

func (g groupItem) FilterValue() string { return g.DisplayName + " " + g.Identity }
func (g groupItem) Title() string {
	name := g.DisplayName
	if name == "" {
		name = g.Identity
	}
	return fmt.Sprintf("%s (%d)", name, g.Count)
}
func (g groupItem) Description() string {
	return fmt.Sprintf("%s  %s  %s", g.Identity, humanSize(g.TotalSize), g.Sample)
}

// targetItem is a destination in the move picker.
type targetItem struct {
	category model.Category
}

func (t targetItem) FilterValue() string { return string(t.category) }
func (t targetItem) Title() string       { return t.category.Title() }
func (t targetItem) Description() string { return string(t.category) }

var footerStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("241")).
	PaddingTop(1)

var warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

func categoriesFooter() string {
	return footerStyle.Render("enter: open  s: re-analyze  h: history  e: exclusions  q: quit")
}

func groupsFooter() string {
	return footerStyle.Render("enter: messages  #: trash sender  x: exclude sender  m: move  esc: back  q: quit")
}

func targetsFooter() string {
	return footerStyle.Render("enter: move here  esc: cancel")
}

func categoriesToItems(sums []model.CategorySummary) []list.Item {
	items := make([]list.Item, len(sums))
	for i, s := range sums {
		items[i] = categoryItem{s}
	}
	return items
}

func groupsToItems(groups []model.SenderGroup) []list.Item {
	items := make([]list.Item, len(groups))
	for i, g := range groups {
		items[i] = groupItem{g}
	}
	return items
}

func targetsFor(source model.Category) []list.Item {
	var items []list.Item
	for _, c := range model.AllCategories {
		if c != source {
			items = append(items, targetItem{c})
		}
	}
	return items
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
