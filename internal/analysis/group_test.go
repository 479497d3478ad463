package analysis

import (
	"testing"
	"time"

	"github.com/llmack/gmail-declutterer/internal/model"
)

func hasString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 12, 0, 0, 0, time.UTC)
}

func result(id, name, addr, subject string, date time.Time, size int64) model.CategoryResult {
	return model.CategoryResult{
		RawMessage: model.RawMessage{
			ID:           id,
			Sender:       model.Sender{Name: name, Address: addr},
			Subject:      subject,
			Date:         date,
			SizeEstimate: size,
		},
		Category: model.Promotional,
	}
}

func TestGroupBySender_BasicGrouping(t *testing.T) {
	results := []model.CategoryResult{
		result("1", "Alice", "user+ads@example.com", "Promo", day(2), 10),
		result("2", "Alice", "user@example.com", "Other promo", day(3), 20),
		result("3", "Bob", "bob@example.com", "Promo", day(1), 5),
		result("4", "", "", "orphan", day(1), 5),
	}

	groups := GroupBySender(results)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	alice, ok := groups["user@example.com"]
	if !ok {
		t.Fatalf("missing alice group")
	}
	if alice.Count != 2 {
		t.Fatalf("alice count want 2 got %d", alice.Count)
	}
	if alice.DisplayName != "Alice" || alice.Sample != "Promo" {
		t.Fatalf("alice name/sample got %q/%q", alice.DisplayName, alice.Sample)
	}
	if !alice.FirstDate.Equal(day(2)) || !alice.LastDate.Equal(day(3)) {
		t.Fatalf("alice dates got %s..%s", alice.FirstDate, alice.LastDate)
	}
	if alice.TotalSize != 30 {
		t.Fatalf("alice size want 30 got %d", alice.TotalSize)
	}
	if !(hasString(alice.MessageIDs, "1") && hasString(alice.MessageIDs, "2")) {
		t.Fatalf("alice ids missing: %v", alice.MessageIDs)
	}
	if alice.Category != model.Promotional {
		t.Fatalf("alice category got %s", alice.Category)
	}

	if g, ok := groups["bob@example.com"]; !ok || g.Count != 1 {
		t.Fatalf("bob want count 1, ok=%v", ok)
	}
}

func TestSortGroups_TieBreakers(t *testing.T) {
	m := map[string]*model.SenderGroup{
		"b": {Identity: "b@example.com", Count: 5},
		"a": {Identity: "a@example.com", Count: 5},
		"c": {Identity: "c@example.com", Count: 3},
		"d": {Identity: "d@example.com", Count: 7},
	}
	out := SortGroups(m)
	exp := []string{"d@example.com", "a@example.com", "b@example.com", "c@example.com"}
	if len(out) != len(exp) {
		t.Fatalf("len=%d", len(out))
	}
	for i, e := range exp {
		if out[i].Identity != e {
			t.Fatalf("idx %d want %s got %s", i, e, out[i].Identity)
		}
	}
}
