package tui

import (
	"fmt"
	"sort"

	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/charmbracelet/bubbles/list"
)

// messageItem wraps CategoryResult for the list display.
type messageItem struct {
	model.CategoryResult
}

func (m messageItem) FilterValue() string { return m.Subject }
func (m messageItem) Title() string       { return m.Subject }
func (m messageItem) Description() string {
	desc := fmt.Sprintf("%s  %d days ago", trimDate(m.Date), m.DaysAgo)
	if m.Code != "" {
		desc += "  code " + m.Code
		if m.IsExpired {
			desc += " (expired)"
		}
	}
	if kind := resultKind(m.CategoryResult); kind != "" {
		desc += "  [" + kind + "]"
	}
	return desc
}

func resultKind(r model.CategoryResult) string {
	switch {
	case r.CodeKind != "":
		return string(r.CodeKind)
	case r.Frequency != "":
		return string(r.Frequency)
	case r.PromotionKind != "":
		return string(r.PromotionKind)
	case r.NewsletterKind != "":
		return string(r.NewsletterKind)
	case r.ReceiptKind != "":
		return string(r.ReceiptKind)
	}
	return ""
}

func messagesFooter() string {
	return footerStyle.Render("esc: back  q: quit")
}

// sortedMessageItems returns the messages of one sender newest first.
func sortedMessageItems(results []model.CategoryResult, sender string) []list.Item {
	var picked []model.CategoryResult
	for _, r := range results {
		if r.Sender.Identity() == sender {
			picked = append(picked, r)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].Date.After(picked[j].Date)
	})
	items := make([]list.Item, len(picked))
	for i, r := range picked {
		items[i] = messageItem{r}
	}
	return items
}
