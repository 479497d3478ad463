// Package analysis runs the per-category scan pipelines and caches their
// results.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStaleGeneration is returned by a run superseded by a newer one.
	ErrStaleGeneration = errors.New("analysis superseded by a newer run")
	// ErrCategoryFetchFailed marks a category whose fetches all failed.
	ErrCategoryFetchFailed = errors.New("every message fetch failed")
)

type IDSource interface {
	Collect(ctx context.Context, query string, limit int) ([]string, error)
}

type MessageFetcher interface {
	Fetch(ctx context.Context, id string) (model.RawMessage, error)
}

type MessageClassifier interface {
	Query(cat model.Category) (string, error)
	Classify(m model.RawMessage, hint model.Category) (model.CategoryResult, bool)
}

type Options struct {
	TotalLimit       int
	FetchConcurrency int
	SampleSize       int
}

func (o Options) withDefaults() Options {
	if o.TotalLimit <= 0 {
		o.TotalLimit = 1000
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 1
	}
	if o.SampleSize < 0 {
		o.SampleSize = 0
	}
	return o
}

// CategoryReport is the outcome of one category pipeline.
type CategoryReport struct {
	Category model.Category         `json:"category"`
	Results  []model.CategoryResult `json:"results"`
	Scanned  int                    `json:"scanned"`
	Skipped  int                    `json:"skipped"`
	Failed   int                    `json:"failed"`
	Err      error                  `json:"-"`
}

type Report struct {
	Generation uint64                             `json:"generation"`
	StartedAt  time.Time                          `json:"startedAt"`
	FinishedAt time.Time                          `json:"finishedAt"`
	Categories map[model.Category]*CategoryReport `json:"categories"`
}

// Aggregator scans categories concurrently. Each Analyze call starts a new
// generation and cancels the previous one; only the newest generation may
// update the cached report and summaries.
type Aggregator struct {
	ids        IDSource
	fetcher    MessageFetcher
	classifier MessageClassifier
	opts       Options
	now        func() time.Time
	l          *logrus.Logger

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	latest     map[model.Category]*CategoryReport
	summaries  map[model.Category]model.CategorySummary
}

func NewAggregator(ids IDSource, fetcher MessageFetcher, classifier MessageClassifier, opts Options) *Aggregator {
	return &Aggregator{
		ids:        ids,
		fetcher:    fetcher,
		classifier: classifier,
		opts:       opts.withDefaults(),
		now:        time.Now,
		l:          log.Logger(log.LOG_ANALYSIS),
		latest:     make(map[model.Category]*CategoryReport),
		summaries:  make(map[model.Category]model.CategorySummary),
	}
}

func (a *Aggregator) begin(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.generation++
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	return ctx, cancel, a.generation
}

// Analyze runs one pipeline per category in parallel. A failing pipeline
// only marks its own report; a rejected credential aborts the whole run.
func (a *Aggregator) Analyze(ctx context.Context, categories []model.Category) (*Report, error) {
	ctx, cancel, gen := a.begin(ctx)
	defer cancel()
	report := &Report{
		Generation: gen,
		StartedAt:  a.now(),
		Categories: make(map[model.Category]*CategoryReport, len(categories)),
	}
	a.l.WithFields(logrus.Fields{"generation": gen, "categories": len(categories)}).Info("Analysis started")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, cat := range categories {
		g.Go(func() error {
			cr := a.runPipeline(gctx, cat)
			mu.Lock()
			report.Categories[cat] = cr
			mu.Unlock()
			if errors.Is(cr.Err, gmail.ErrUnauthorized) {
				return cr.Err
			}
			return nil
		})
	}
	err := g.Wait()
	report.FinishedAt = a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		a.l.WithField("generation", gen).Info("Discarding superseded analysis")
		return nil, ErrStaleGeneration
	}
	if err != nil {
		return report, err
	}
	for cat, cr := range report.Categories {
		a.storeLocked(cat, cr)
	}
	a.l.WithFields(logrus.Fields{
		"generation": gen,
		"took":       report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	}).Info("Analysis finished")
	return report, nil
}

// AnalyzeCategory refreshes a single category within the current generation.
// The result is dropped if a full analysis started meanwhile.
func (a *Aggregator) AnalyzeCategory(ctx context.Context, cat model.Category) (*CategoryReport, error) {
	a.mu.Lock()
	gen := a.generation
	a.mu.Unlock()

	cr := a.runPipeline(ctx, cat)
	if errors.Is(cr.Err, gmail.ErrUnauthorized) {
		return cr, cr.Err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return nil, ErrStaleGeneration
	}
	a.storeLocked(cat, cr)
	return cr, nil
}

func (a *Aggregator) storeLocked(cat model.Category, cr *CategoryReport) {
	a.latest[cat] = cr
	sum := model.CategorySummary{
		Category:  cat,
		Count:     len(cr.Results),
		Sample:    slices.Clone(cr.Results[:min(a.opts.SampleSize, len(cr.Results))]),
		UpdatedAt: a.now(),
	}
	if cr.Err != nil {
		sum.Err = cr.Err.Error()
	}
	a.summaries[cat] = sum
}

type fetched struct {
	msg model.RawMessage
	err error
}

func (a *Aggregator) runPipeline(ctx context.Context, cat model.Category) *CategoryReport {
	cr := &CategoryReport{Category: cat}
	l := a.l.WithField("category", cat)

	query, err := a.classifier.Query(cat)
	if err != nil {
		cr.Err = err
		return cr
	}
	ids, err := a.ids.Collect(ctx, query, a.opts.TotalLimit)
	if err != nil {
		cr.Err = fmt.Errorf("list %s: %w", cat, err)
		return cr
	}
	cr.Scanned = len(ids)

	// Fetch through a bounded pool, keeping provider order by slot index.
	slots := make([]fetched, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.FetchConcurrency)
	for i, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			m, err := a.fetcher.Fetch(gctx, id)
			slots[i] = fetched{msg: m, err: err}
			if errors.Is(err, gmail.ErrUnauthorized) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cr.Err = err
		return cr
	}
	if err := ctx.Err(); err != nil {
		cr.Err = err
		return cr
	}

	for i, s := range slots {
		switch {
		case errors.Is(s.err, gmail.ErrMalformedMessage):
			cr.Skipped++
			l.WithError(s.err).Debug("Skipping malformed message")
			continue
		case s.err != nil:
			cr.Failed++
			l.WithError(s.err).WithField("id", ids[i]).Warn("Could not fetch message")
			continue
		}
		if res, ok := a.classifier.Classify(s.msg, cat); ok {
			cr.Results = append(cr.Results, res)
		}
	}
	if len(cr.Results) == 0 && cr.Failed > 0 {
		cr.Err = fmt.Errorf("%s: %d of %d: %w", cat, cr.Failed, len(ids), ErrCategoryFetchFailed)
	}
	l.WithFields(logrus.Fields{
		"scanned": cr.Scanned,
		"matched": len(cr.Results),
		"skipped": cr.Skipped,
		"failed":  cr.Failed,
	}).Debug("Category scanned")
	return cr
}

// Results returns the cached results of a category from the newest run.
func (a *Aggregator) Results(cat model.Category) []model.CategoryResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cr, ok := a.latest[cat]; ok {
		return slices.Clone(cr.Results)
	}
	return nil
}

// Summaries returns the cached summaries in category display order.
func (a *Aggregator) Summaries() []model.CategorySummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.CategorySummary, 0, len(a.summaries))
	for _, cat := range model.AllCategories {
		if s, ok := a.summaries[cat]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (a *Aggregator) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// Forget drops trashed messages from the cached results of every category.
func (a *Aggregator) Forget(ids []string) {
	if len(ids) == 0 {
		return
	}
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for cat, cr := range a.latest {
		kept := cr.Results[:0:0]
		for _, r := range cr.Results {
			if _, ok := gone[r.ID]; !ok {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(cr.Results) {
			continue
		}
		next := *cr
		next.Results = kept
		a.storeLocked(cat, &next)
	}
}
