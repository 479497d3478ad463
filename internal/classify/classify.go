// Package classify assigns messages to cleanup categories with fixed keyword
// and pattern heuristics. Each category has a provider search query used as a
// pre-filter and a local confirmation rule; a message may be confirmed by more
// than one category.
package classify

import (
	"fmt"
	"math"
	"time"

	"github.com/llmack/gmail-declutterer/internal/model"
)

const day = 24 * time.Hour

type Classifier struct {
	rules map[model.Category]rule
	now   func() time.Time
}

func New() *Classifier {
	return NewWithClock(time.Now)
}

// NewWithClock uses now for age computation.
func NewWithClock(now func() time.Time) *Classifier {
	return &Classifier{rules: defaultRules(), now: now}
}

// Query returns the provider search query for a category.
func (c *Classifier) Query(cat model.Category) (string, error) {
	r, ok := c.rules[cat]
	if !ok {
		return "", fmt.Errorf("query for %q: %w", cat, model.ErrUnknownCategory)
	}
	return r.query, nil
}

// Classify confirms m for category hint and derives its attributes. It returns
// false when the rule does not confirm the message or the message lacks a
// sender or a date.
func (c *Classifier) Classify(m model.RawMessage, hint model.Category) (model.CategoryResult, bool) {
	r, ok := c.rules[hint]
	if !ok || m.Sender.Address == "" || m.Date.IsZero() {
		return model.CategoryResult{}, false
	}
	if !r.matches(m) {
		return model.CategoryResult{}, false
	}
	res := model.CategoryResult{
		RawMessage: m,
		Category:   hint,
		DaysAgo:    DaysAgo(c.now(), m.Date),
	}
	if r.derive != nil {
		r.derive(&res)
	}
	return res, true
}

// DaysAgo is the whole number of days between t and now, rounded up.
func DaysAgo(now, t time.Time) int {
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return int(math.Ceil(float64(d) / float64(day)))
}
