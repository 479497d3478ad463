package analysis

import (
	"sort"

	"github.com/llmack/gmail-declutterer/internal/model"
)

// GroupBySender aggregates results by normalized sender identity. The first
// display name and subject seen for a sender are kept.
func GroupBySender(results []model.CategoryResult) map[string]*model.SenderGroup {
	groups := make(map[string]*model.SenderGroup)
	for _, r := range results {
		key := r.Sender.Identity()
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &model.SenderGroup{
				Identity:    key,
				DisplayName: r.Sender.Name,
				Category:    r.Category,
			}
			groups[key] = g
		}
		g.Count++
		g.TotalSize += r.SizeEstimate
		if g.Sample == "" && r.Subject != "" {
			g.Sample = r.Subject
		}
		if !r.Date.IsZero() {
			if g.FirstDate.IsZero() || r.Date.Before(g.FirstDate) {
				g.FirstDate = r.Date
			}
			if r.Date.After(g.LastDate) {
				g.LastDate = r.Date
			}
		}
		if r.ID != "" {
			g.MessageIDs = append(g.MessageIDs, r.ID)
		}
	}
	return groups
}

// SortGroups returns a stable slice sorted by Count desc, then Identity asc.
func SortGroups(m map[string]*model.SenderGroup) []model.SenderGroup {
	out := make([]model.SenderGroup, 0, len(m))
	for _, g := range m {
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Identity < out[j].Identity
		}
		return out[i].Count > out[j].Count
	})
	return out
}
