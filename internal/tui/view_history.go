package tui

import (
	"fmt"

	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/charmbracelet/bubbles/list"
)

type historyItem struct {
	model.DeletionRecord
}

func (h historyItem) FilterValue() string { return h.SenderEmail + " " + string(h.Category) }
func (h historyItem) Title() string {
	who := h.SenderName
	if who == "" {
		who = h.SenderEmail
	}
	if who == "" {
		who = "various senders"
	}
	return fmt.Sprintf("%s: %d from %s", h.Category.Title(), h.Count, who)
}
func (h historyItem) Description() string {
	return h.Timestamp.Local().Format("Jan 2, 2006 15:04")
}

// exclusionItem is an excluded sender.
type exclusionItem string

func (e exclusionItem) FilterValue() string { return string(e) }
func (e exclusionItem) Title() string       { return string(e) }
func (e exclusionItem) Description() string { return "excluded from cleanup" }

func historyFooter() string {
	return footerStyle.Render("o: open in gmail trash  esc: back  q: quit")
}

func exclusionsFooter() string {
	return footerStyle.Render("x: include again  esc: back  q: quit")
}

func historyToItems(recs []model.DeletionRecord) []list.Item {
	items := make([]list.Item, len(recs))
	for i, r := range recs {
		items[i] = historyItem{r}
	}
	return items
}

func exclusionsToItems(senders []string) []list.Item {
	items := make([]list.Item, len(senders))
	for i, s := range senders {
		items[i] = exclusionItem(s)
	}
	return items
}
