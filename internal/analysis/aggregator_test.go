package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llmack/gmail-declutterer/internal/classify"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource returns ids per query; the query is the category id.
type fakeSource struct {
	ids  map[string][]string
	errs map[string]error
}

func (f *fakeSource) Collect(_ context.Context, query string, limit int) ([]string, error) {
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	ids := f.ids[query]
	return ids[:min(limit, len(ids))], nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	errs     map[string]error
	delay    func(id string) time.Duration
	inFlight int
	peak     int
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string) (model.RawMessage, error) {
	f.mu.Lock()
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(id)):
		case <-ctx.Done():
			return model.RawMessage{}, ctx.Err()
		}
	}
	if err := f.errs[id]; err != nil {
		return model.RawMessage{}, err
	}
	return model.RawMessage{
		ID:      id,
		Sender:  model.Sender{Name: "S", Address: "s@example.com"},
		Subject: "subject " + id,
		Date:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

// fakeClassifier confirms everything except ids containing "skip".
type fakeClassifier struct{}

func (fakeClassifier) Query(cat model.Category) (string, error) { return string(cat), nil }

func (fakeClassifier) Classify(m model.RawMessage, hint model.Category) (model.CategoryResult, bool) {
	if strings.Contains(m.ID, "skip") {
		return model.CategoryResult{}, false
	}
	return model.CategoryResult{RawMessage: m, Category: hint}, true
}

func idsOf(results []model.CategoryResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestAnalyzeIsolatesCategoryFailures(t *testing.T) {
	src := &fakeSource{
		ids: map[string][]string{
			string(model.Promotional): {"p1", "p2", "skip-p3"},
			string(model.Newsletter):  {"n1"},
			string(model.Receipt):     {"r1", "r2"},
		},
		errs: map[string]error{string(model.TemporaryCode): errors.New("list exploded")},
	}
	fetch := &fakeFetcher{errs: map[string]error{
		"r1": &gmail.FetchError{ID: "r1", Err: gmail.ErrTransient},
		"r2": &gmail.FetchError{ID: "r2", Err: gmail.ErrTransient},
	}}
	agg := NewAggregator(src, fetch, fakeClassifier{}, Options{SampleSize: 1})

	report, err := agg.Analyze(context.Background(), []model.Category{
		model.TemporaryCode, model.Promotional, model.Newsletter, model.Receipt,
	})
	require.NoError(t, err)
	require.Len(t, report.Categories, 4)

	assert.Error(t, report.Categories[model.TemporaryCode].Err)
	assert.Equal(t, []string{"p1", "p2"}, idsOf(report.Categories[model.Promotional].Results))
	assert.NoError(t, report.Categories[model.Promotional].Err)
	assert.Equal(t, []string{"n1"}, idsOf(report.Categories[model.Newsletter].Results))

	receipts := report.Categories[model.Receipt]
	assert.Equal(t, 2, receipts.Failed)
	assert.ErrorIs(t, receipts.Err, ErrCategoryFetchFailed)

	sums := agg.Summaries()
	require.Len(t, sums, 4)
	assert.Equal(t, model.TemporaryCode, sums[0].Category)
	assert.NotEmpty(t, sums[0].Err)
	assert.Equal(t, model.Promotional, sums[1].Category)
	assert.Equal(t, 2, sums[1].Count)
	assert.Len(t, sums[1].Sample, 1)
}

func TestAnalyzeSkipsMalformedMessages(t *testing.T) {
	src := &fakeSource{ids: map[string][]string{string(model.Regular): {"a", "bad", "b"}}}
	fetch := &fakeFetcher{errs: map[string]error{"bad": fmt.Errorf("no Date: %w", gmail.ErrMalformedMessage)}}
	agg := NewAggregator(src, fetch, fakeClassifier{}, Options{})

	report, err := agg.Analyze(context.Background(), []model.Category{model.Regular})
	require.NoError(t, err)
	cr := report.Categories[model.Regular]
	assert.NoError(t, cr.Err)
	assert.Equal(t, 1, cr.Skipped)
	assert.Equal(t, 0, cr.Failed)
	assert.Equal(t, []string{"a", "b"}, idsOf(cr.Results))
}

func TestAnalyzeKeepsProviderOrderWithConcurrentFetches(t *testing.T) {
	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, fmt.Sprintf("m%02d", i))
	}
	src := &fakeSource{ids: map[string][]string{string(model.Promotional): ids}}
	fetch := &fakeFetcher{delay: func(id string) time.Duration {
		// Later ids finish first.
		var n int
		fmt.Sscanf(id, "m%d", &n)
		return time.Duration(20-n) * time.Millisecond
	}}
	agg := NewAggregator(src, fetch, fakeClassifier{}, Options{FetchConcurrency: 4})

	report, err := agg.Analyze(context.Background(), []model.Category{model.Promotional})
	require.NoError(t, err)
	assert.Equal(t, ids, idsOf(report.Categories[model.Promotional].Results))
	assert.LessOrEqual(t, fetch.peak, 4)
}

func TestAnalyzeDefaultsToSequentialFetches(t *testing.T) {
	src := &fakeSource{ids: map[string][]string{string(model.Promotional): {"a", "b", "c"}}}
	fetch := &fakeFetcher{delay: func(string) time.Duration { return time.Millisecond }}
	agg := NewAggregator(src, fetch, fakeClassifier{}, Options{})

	_, err := agg.Analyze(context.Background(), []model.Category{model.Promotional})
	require.NoError(t, err)
	assert.Equal(t, 1, fetch.peak)
}

func TestAnalyzeSurfacesUnauthorized(t *testing.T) {
	src := &fakeSource{
		ids:  map[string][]string{string(model.Promotional): {"a"}},
		errs: map[string]error{string(model.Newsletter): gmail.ErrUnauthorized},
	}
	agg := NewAggregator(src, &fakeFetcher{}, fakeClassifier{}, Options{})

	_, err := agg.Analyze(context.Background(), []model.Category{model.Promotional, model.Newsletter})
	assert.ErrorIs(t, err, gmail.ErrUnauthorized)
	assert.Empty(t, agg.Summaries())
}

// blockingSource blocks the first Collect until its context is cancelled.
type blockingSource struct {
	calls   atomic.Int32
	started chan struct{}
}

func (b *blockingSource) Collect(ctx context.Context, _ string, _ int) ([]string, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []string{"fresh"}, nil
}

func TestAnalyzeDiscardsStaleGeneration(t *testing.T) {
	src := &blockingSource{started: make(chan struct{})}
	agg := NewAggregator(src, &fakeFetcher{}, fakeClassifier{}, Options{})

	firstErr := make(chan error, 1)
	go func() {
		_, err := agg.Analyze(context.Background(), []model.Category{model.Promotional})
		firstErr <- err
	}()
	<-src.started

	report, err := agg.Analyze(context.Background(), []model.Category{model.Promotional})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), report.Generation)
	assert.Equal(t, uint64(2), agg.Generation())

	assert.ErrorIs(t, <-firstErr, ErrStaleGeneration)
	assert.Equal(t, []string{"fresh"}, idsOf(agg.Results(model.Promotional)))
}

func TestAnalyzeCategoryAndForget(t *testing.T) {
	src := &fakeSource{ids: map[string][]string{string(model.Newsletter): {"a", "b", "c"}}}
	agg := NewAggregator(src, &fakeFetcher{}, fakeClassifier{}, Options{SampleSize: 5})

	cr, err := agg.AnalyzeCategory(context.Background(), model.Newsletter)
	require.NoError(t, err)
	assert.Len(t, cr.Results, 3)

	agg.Forget([]string{"b"})
	assert.Equal(t, []string{"a", "c"}, idsOf(agg.Results(model.Newsletter)))
	sums := agg.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, 2, sums[0].Count)
	// The report returned earlier is not mutated.
	assert.Len(t, cr.Results, 3)
}

// mailboxFetcher serves fixed messages by id.
type mailboxFetcher map[string]model.RawMessage

func (f mailboxFetcher) Fetch(_ context.Context, id string) (model.RawMessage, error) {
	m, ok := f[id]
	if !ok {
		return model.RawMessage{}, fmt.Errorf("message %s: %w", id, gmail.ErrTransient)
	}
	return m, nil
}

func TestAnalyzeIsRepeatableOnUnchangedMailbox(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	mailbox := mailboxFetcher{
		"c1": {ID: "c1", Sender: model.Sender{Address: "noreply@bank.example"}, Subject: "Your code is 482913", Date: now.Add(-50 * time.Hour)},
		"c2": {ID: "c2", Sender: model.Sender{Address: "alice@example.com"}, Subject: "Your 1234", Date: now.Add(-time.Hour)},
		"p1": {ID: "p1", Sender: model.Sender{Address: "shop@store.example"}, Subject: "Big sale: 40% off", Date: now.Add(-72 * time.Hour)},
		"n1": {ID: "n1", Sender: model.Sender{Address: "news@paper.example"}, Subject: "Weekly digest", Date: now.Add(-24 * time.Hour)},
	}
	src := &fakeSource{ids: map[string][]string{}}
	c := classify.NewWithClock(func() time.Time { return now })
	cats := []model.Category{model.TemporaryCode, model.Promotional, model.Newsletter}
	for _, cat := range cats {
		q, err := c.Query(cat)
		require.NoError(t, err)
		src.ids[q] = []string{"c1", "c2", "p1", "n1", "gone"}
	}
	agg := NewAggregator(src, mailbox, c, Options{FetchConcurrency: 2})

	first, err := agg.Analyze(context.Background(), cats)
	require.NoError(t, err)
	second, err := agg.Analyze(context.Background(), cats)
	require.NoError(t, err)

	assert.Equal(t, first.Generation+1, second.Generation)
	for _, cat := range cats {
		require.NotEmpty(t, first.Categories[cat].Results, cat)
		assert.Equal(t, first.Categories[cat].Results, second.Categories[cat].Results, cat)
	}
	assert.Equal(t, []string{"c1", "c2"}, idsOf(second.Categories[model.TemporaryCode].Results))
}
