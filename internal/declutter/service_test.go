package declutter

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/llmack/gmail-declutterer/internal/analysis"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/model"
	"github.com/llmack/gmail-declutterer/internal/reconcile"
	"github.com/llmack/gmail-declutterer/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	results  map[model.Category][]model.CategoryResult
	refresh  map[model.Category][]model.CategoryResult
	err      error
	analyzed int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, cats []model.Category) (*analysis.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.analyzed++
	return &analysis.Report{Generation: uint64(f.analyzed)}, nil
}

func (f *fakeAnalyzer) AnalyzeCategory(_ context.Context, cat model.Category) (*analysis.CategoryReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.refresh[cat]; ok {
		f.results[cat] = r
	}
	return &analysis.CategoryReport{Category: cat, Results: f.results[cat]}, nil
}

func (f *fakeAnalyzer) Results(cat model.Category) []model.CategoryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.results[cat])
}

func (f *fakeAnalyzer) Summaries() []model.CategorySummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CategorySummary
	for _, cat := range model.AllCategories {
		if rs, ok := f.results[cat]; ok {
			out = append(out, model.CategorySummary{Category: cat, Count: len(rs)})
		}
	}
	return out
}

func (f *fakeAnalyzer) Forget(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cat, rs := range f.results {
		f.results[cat] = slices.DeleteFunc(rs, func(r model.CategoryResult) bool {
			return slices.Contains(ids, r.ID)
		})
	}
}

type fakeMutator struct {
	fail    map[string]bool
	trashed []string
}

func (f *fakeMutator) Trash(_ context.Context, id string) error {
	if f.fail[id] {
		return gmail.ErrTransient
	}
	f.trashed = append(f.trashed, id)
	return nil
}

func (f *fakeMutator) ModifyLabels(_ context.Context, id string, _, _ []string) error {
	if f.fail[id] {
		return gmail.ErrTransient
	}
	f.trashed = append(f.trashed, id)
	return nil
}

type fixedCounter int64

func (c fixedCounter) MessagesTotal(context.Context) (int64, error) { return int64(c), nil }

func msg(id, sender string, cat model.Category, daysAgo int, size int64) model.CategoryResult {
	return model.CategoryResult{
		RawMessage: model.RawMessage{
			ID:           id,
			Sender:       model.Sender{Name: sender, Address: sender},
			Subject:      "subject " + id,
			Date:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			SizeEstimate: size,
		},
		Category: cat,
		DaysAgo:  daysAgo,
	}
}

type harness struct {
	svc     *Service
	an      *fakeAnalyzer
	mut     *fakeMutator
	store   *store.SQLiteStore
	state   *reconcile.State
	counter fixedCounter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	an := &fakeAnalyzer{results: map[model.Category][]model.CategoryResult{
		model.Promotional: {
			msg("p1", "shop@store.example", model.Promotional, 40, 100),
			msg("p2", "shop@store.example", model.Promotional, 2, 100),
			msg("p3", "deals@other.example", model.Promotional, 10, 50),
		},
		model.Newsletter: {
			msg("n1", "news@paper.example", model.Newsletter, 3, 20),
			msg("p3", "deals@other.example", model.Newsletter, 10, 50),
		},
		model.Receipt: {
			msg("r1", "billing@bank.example", model.Receipt, 5, 10),
		},
	}}
	mut := &fakeMutator{fail: map[string]bool{}}
	state := reconcile.New(st)
	svc := New(Deps{
		Analyzer:   an,
		Trasher:    gmail.NewExecutor(mut, st),
		Counter:    fixedCounter(10),
		State:      state,
		Store:      st,
		SampleSize: 2,
	})
	return &harness{svc: svc, an: an, mut: mut, store: st, state: state, counter: 10}
}

func viewIDs(rs []model.CategoryResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestViewHonoursExclusionsAndMoves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Exclude(ctx, "deals@other.example", true))
	assert.Equal(t, []string{"p1", "p2"}, viewIDs(h.svc.View(model.Promotional)))
	assert.Equal(t, []string{"n1"}, viewIDs(h.svc.View(model.Newsletter)))

	mv, err := h.svc.Move(ctx, "shop@store.example", model.Promotional, model.Receipt)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, mv.MessageIDs)

	assert.Empty(t, h.svc.View(model.Promotional))
	receipts := h.svc.View(model.Receipt)
	assert.Equal(t, []string{"r1", "p1", "p2"}, viewIDs(receipts))
	assert.Equal(t, model.Receipt, receipts[1].Category)

	// A full analysis drops the move.
	_, err = h.svc.Analyze(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.svc.Moves())
	assert.Equal(t, []string{"p1", "p2"}, viewIDs(h.svc.View(model.Promotional)))
	assert.Equal(t, []string{"deals@other.example"}, h.svc.Exclusions())
}

func TestMoveErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Move(ctx, "nobody@example.com", model.Promotional, model.Receipt)
	assert.ErrorIs(t, err, ErrSenderNotFound)

	_, err = h.svc.Move(ctx, "shop@store.example", model.Promotional, model.Promotional)
	assert.ErrorIs(t, err, reconcile.ErrInvalidMove)

	require.NoError(t, h.svc.Exclude(ctx, "shop@store.example", true))
	_, err = h.svc.Move(ctx, "shop@store.example", model.Promotional, model.Receipt)
	assert.ErrorIs(t, err, ErrSenderExcluded)
}

func TestTrashRefusesExcludedSenders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Exclude(ctx, "shop@store.example", true))

	_, err := h.svc.Trash(ctx, TrashRequest{IDs: []string{"p3", "p1"}, Category: model.Promotional})
	assert.ErrorIs(t, err, ErrSenderExcluded)

	_, err = h.svc.Trash(ctx, TrashRequest{
		IDs:      []string{"x"},
		Category: model.Promotional,
		Sender:   &model.Sender{Address: "Shop@Store.example"},
	})
	assert.ErrorIs(t, err, ErrSenderExcluded)

	_, err = h.svc.TrashSender(ctx, model.Promotional, "shop@store.example")
	assert.ErrorIs(t, err, ErrSenderExcluded)
	assert.Empty(t, h.mut.trashed)

	_, err = h.svc.Trash(ctx, TrashRequest{Category: model.Promotional})
	assert.ErrorIs(t, err, gmail.ErrNoMessageIDs)
}

func TestTrashSenderPartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mut.fail["p2"] = true

	out, err := h.svc.TrashSender(ctx, model.Promotional, "shop@store.example")
	require.NoError(t, err)
	assert.Equal(t, gmail.StatusPartial, out.Status)
	assert.Equal(t, "trashed 1 of 2 messages (1 failed)", out.Warning())

	// Trashed ids leave the cache, failed ones stay.
	assert.Equal(t, []string{"p2", "p3"}, viewIDs(h.svc.View(model.Promotional)))

	hist, err := h.svc.History(ctx, HistoryQuery{Days: 30})
	require.NoError(t, err)
	require.Len(t, hist.Records, 1)
	assert.Equal(t, []string{"p1"}, hist.Records[0].MessageIDs)
	assert.Equal(t, "shop@store.example", hist.Records[0].SenderEmail)
	assert.Equal(t, 1, hist.TotalDeleted)
}

func TestTrashTotalFailureWritesNoHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mut.fail["n1"] = true

	out, err := h.svc.Trash(ctx, TrashRequest{IDs: []string{"n1"}, Category: model.Newsletter})
	assert.ErrorIs(t, err, gmail.ErrTotalBatchFailure)
	assert.False(t, out.Success())

	hist, err := h.svc.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, hist.Records)
}

func TestStatsAndSummaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.TotalMessages)
	// p3 is both a promotion and a newsletter and counts once.
	assert.Equal(t, 4, st.Declutterable)
	assert.Equal(t, int64(270), st.PotentialBytes)
	assert.Equal(t, 40, st.DeclutterPotential)
	assert.Equal(t, 3, st.PerCategory[model.Promotional])
	assert.Equal(t, 1, st.PerCategory[model.Receipt])

	require.NoError(t, h.svc.Exclude(ctx, "deals@other.example", true))
	sums := h.svc.Summaries()
	require.Len(t, sums, 3)
	assert.Equal(t, model.Promotional, sums[0].Category)
	assert.Equal(t, 2, sums[0].Count)
	assert.Len(t, sums[0].Sample, 2)
	assert.Equal(t, 1, sums[1].Count)
}

func TestDeclutterPotential(t *testing.T) {
	tests := []struct {
		declutterable int
		total         int64
		want          int
	}{
		{0, 0, 0},
		{5, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{50, 40, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeclutterPotential(tt.declutterable, tt.total), "%d/%d", tt.declutterable, tt.total)
	}
}

func TestGroupsSortedByCount(t *testing.T) {
	h := newHarness(t)
	groups := h.svc.Groups(model.Promotional)
	require.Len(t, groups, 2)
	assert.Equal(t, "shop@store.example", groups[0].Identity)
	assert.Equal(t, 2, groups[0].Count)
}

func TestRulesLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateRule(ctx, RuleInput{Category: "nope", OlderThanDays: 1, Frequency: model.RuleDaily})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = h.svc.CreateRule(ctx, RuleInput{Category: model.Promotional, OlderThanDays: 1, Frequency: "hourly"})
	assert.ErrorIs(t, err, ErrInvalidRule)

	rule, err := h.svc.CreateRule(ctx, RuleInput{Category: model.Promotional, OlderThanDays: 7, Frequency: model.RuleWeekly})
	require.NoError(t, err)

	now := time.Now()
	due, err := h.svc.DueRules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, h.svc.Exclude(ctx, "deals@other.example", true))
	run, err := h.svc.ApplyRule(ctx, rule.ID)
	require.NoError(t, err)
	// p1 is old enough, p2 is too recent and p3 is excluded.
	assert.Equal(t, 1, run.Selected)
	assert.Equal(t, []string{"p1"}, h.mut.trashed)
	assert.Equal(t, 1, run.Rule.MessagesProcessed)

	due, err = h.svc.DueRules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = h.svc.DueRules(ctx, now.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, h.svc.DeleteRule(ctx, rule.ID))
	_, err = h.svc.ApplyRule(ctx, rule.ID)
	assert.ErrorIs(t, err, store.ErrRuleNotFound)
}

func TestApplyRuleWithNothingToTrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule, err := h.svc.CreateRule(ctx, RuleInput{Category: model.Receipt, OlderThanDays: 365, Frequency: model.RuleDaily})
	require.NoError(t, err)

	run, err := h.svc.ApplyRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Zero(t, run.Selected)
	assert.Nil(t, run.Outcome)
	assert.NotNil(t, run.Rule.LastRunAt)
}

func TestAnalyzeErrorKeepsMoves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Move(ctx, "shop@store.example", model.Promotional, model.Receipt)
	require.NoError(t, err)

	h.an.err = gmail.ErrUnauthorized
	_, err = h.svc.Analyze(ctx)
	assert.True(t, errors.Is(err, gmail.ErrUnauthorized))
	assert.Len(t, h.svc.Moves(), 1)
}

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, model.RuleWeekly, f)
	_, err = ParseFrequency("monthly")
	assert.ErrorIs(t, err, ErrInvalidRule)
}
