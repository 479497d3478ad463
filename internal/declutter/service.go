// Package declutter ties the analysis cache, the trash executor, the
// reconciliation state and the local store into the operations the UI and
// the HTTP API call.
package declutter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/llmack/gmail-declutterer/internal/analysis"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"
	"github.com/llmack/gmail-declutterer/internal/reconcile"
	"github.com/llmack/gmail-declutterer/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrSenderExcluded = errors.New("sender is excluded from cleanup")
	ErrSenderNotFound = errors.New("sender has no messages in category")
	ErrInvalidRule    = errors.New("invalid automation rule")
)

type Analyzer interface {
	Analyze(ctx context.Context, categories []model.Category) (*analysis.Report, error)
	AnalyzeCategory(ctx context.Context, cat model.Category) (*analysis.CategoryReport, error)
	Results(cat model.Category) []model.CategoryResult
	Summaries() []model.CategorySummary
	Forget(ids []string)
}

type Trasher interface {
	Trash(ctx context.Context, ids []string, category model.Category, sender *model.Sender) (gmail.TrashOutcome, error)
}

// MailboxCounter reports the size of the whole mailbox.
type MailboxCounter interface {
	MessagesTotal(ctx context.Context) (int64, error)
}

type Store interface {
	ListDeletions(ctx context.Context, f store.DeletionFilter) ([]model.DeletionRecord, error)
	TotalDeleted(ctx context.Context, since time.Time) (int, error)
	CreateRule(ctx context.Context, r model.AutomationRule) error
	ListRules(ctx context.Context) ([]model.AutomationRule, error)
	GetRule(ctx context.Context, id string) (model.AutomationRule, error)
	DeleteRule(ctx context.Context, id string) error
	RecordRuleRun(ctx context.Context, id string, at time.Time, processed int) error
}

type Service struct {
	analyzer   Analyzer
	trasher    Trasher
	counter    MailboxCounter
	state      *reconcile.State
	store      Store
	sampleSize int
	now        func() time.Time
	l          *logrus.Logger
}

type Deps struct {
	Analyzer   Analyzer
	Trasher    Trasher
	Counter    MailboxCounter
	State      *reconcile.State
	Store      Store
	SampleSize int
}

func New(d Deps) *Service {
	state := d.State
	if state == nil {
		state = reconcile.New(nil)
	}
	return &Service{
		analyzer:   d.Analyzer,
		trasher:    d.Trasher,
		counter:    d.Counter,
		state:      state,
		store:      d.Store,
		sampleSize: d.SampleSize,
		now:        time.Now,
		l:          log.Logger(log.LOG_MAIN),
	}
}

// Analyze scans every category as a new generation. A completed run clears
// the move records since the fresh classification supersedes them.
func (s *Service) Analyze(ctx context.Context) (*analysis.Report, error) {
	report, err := s.analyzer.Analyze(ctx, model.AllCategories)
	if err != nil {
		return report, err
	}
	if err := s.state.ResetOnFullReanalysis(ctx); err != nil {
		s.l.WithError(err).Warn("Could not reset moves after analysis")
	}
	return report, nil
}

// List refreshes one category and returns its filtered view.
func (s *Service) List(ctx context.Context, cat model.Category) ([]model.CategoryResult, error) {
	if _, err := s.analyzer.AnalyzeCategory(ctx, cat); err != nil {
		return nil, err
	}
	return s.View(cat), nil
}

// View is the cached results of cat without excluded senders and senders
// moved away, plus the messages of senders moved into cat.
func (s *Service) View(cat model.Category) []model.CategoryResult {
	out := s.state.Filter(s.analyzer.Results(cat), cat)
	seen := make(map[string]struct{}, len(out))
	for _, r := range out {
		seen[r.ID] = struct{}{}
	}
	for _, mv := range s.state.MovedInto(cat) {
		for _, r := range s.state.Filter(s.analyzer.Results(mv.Source), cat) {
			if r.Sender.Identity() != mv.Sender {
				continue
			}
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			r.Category = cat
			out = append(out, r)
		}
	}
	return out
}

// Summaries returns one summary per analyzed category with counts taken from
// the filtered views.
func (s *Service) Summaries() []model.CategorySummary {
	sums := s.analyzer.Summaries()
	for i := range sums {
		view := s.View(sums[i].Category)
		sums[i].Count = len(view)
		sums[i].Sample = view[:min(s.sampleSize, len(view))]
	}
	return sums
}

// Groups returns the sender groups of a category view, largest first.
func (s *Service) Groups(cat model.Category) []model.SenderGroup {
	return analysis.SortGroups(analysis.GroupBySender(s.View(cat)))
}

func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	st := model.Stats{PerCategory: make(map[model.Category]int, len(model.AllCategories))}
	if s.counter != nil {
		total, err := s.counter.MessagesTotal(ctx)
		if err != nil {
			return st, fmt.Errorf("mailbox size: %w", err)
		}
		st.TotalMessages = total
	}

	// A message may match several categories; count it once.
	seen := make(map[string]struct{})
	for _, cat := range model.AllCategories {
		view := s.View(cat)
		st.PerCategory[cat] = len(view)
		if !cat.Declutterable() {
			continue
		}
		for _, r := range view {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			st.Declutterable++
			st.PotentialBytes += r.SizeEstimate
		}
	}
	st.DeclutterPotential = DeclutterPotential(st.Declutterable, st.TotalMessages)
	return st, nil
}

// DeclutterPotential is the share of the mailbox that could be cleaned, as a
// percentage capped at 100.
func DeclutterPotential(declutterable int, total int64) int {
	if total <= 0 {
		return 0
	}
	return min(int(math.Round(float64(declutterable)/float64(total)*100)), 100)
}

type TrashRequest struct {
	IDs      []string
	Category model.Category
	Sender   *model.Sender
}

// Trash moves messages to the trash. Requests touching an excluded sender
// are refused before any remote call.
func (s *Service) Trash(ctx context.Context, req TrashRequest) (gmail.TrashOutcome, error) {
	if len(req.IDs) == 0 {
		return gmail.TrashOutcome{Status: gmail.StatusNothingApplied}, gmail.ErrNoMessageIDs
	}
	if err := s.checkExcluded(req); err != nil {
		return gmail.TrashOutcome{Status: gmail.StatusNothingApplied}, err
	}
	out, err := s.trasher.Trash(ctx, req.IDs, req.Category, req.Sender)
	s.analyzer.Forget(out.SuccessfulIDs())
	return out, err
}

func (s *Service) checkExcluded(req TrashRequest) error {
	if req.Sender != nil && s.state.IsExcluded(req.Sender.Address) {
		return fmt.Errorf("%s: %w", req.Sender.Address, ErrSenderExcluded)
	}
	wanted := make(map[string]struct{}, len(req.IDs))
	for _, id := range req.IDs {
		wanted[id] = struct{}{}
	}
	for _, cat := range model.AllCategories {
		for _, r := range s.analyzer.Results(cat) {
			if _, ok := wanted[r.ID]; ok && s.state.IsExcluded(r.Sender.Address) {
				return fmt.Errorf("%s (message %s): %w", r.Sender.Address, r.ID, ErrSenderExcluded)
			}
		}
	}
	return nil
}

func (s *Service) group(cat model.Category, sender string) (model.SenderGroup, error) {
	key := model.SenderKey(sender)
	for _, g := range s.Groups(cat) {
		if g.Identity == key {
			return g, nil
		}
	}
	return model.SenderGroup{}, fmt.Errorf("%s in %s: %w", sender, cat, ErrSenderNotFound)
}

// TrashSender trashes every message of one sender group in cat.
func (s *Service) TrashSender(ctx context.Context, cat model.Category, sender string) (gmail.TrashOutcome, error) {
	if s.state.IsExcluded(sender) {
		return gmail.TrashOutcome{Status: gmail.StatusNothingApplied}, fmt.Errorf("%s: %w", sender, ErrSenderExcluded)
	}
	g, err := s.group(cat, sender)
	if err != nil {
		return gmail.TrashOutcome{Status: gmail.StatusNothingApplied}, err
	}
	return s.Trash(ctx, TrashRequest{
		IDs:      g.MessageIDs,
		Category: cat,
		Sender:   &model.Sender{Name: g.DisplayName, Address: g.Identity},
	})
}

func (s *Service) Exclude(ctx context.Context, sender string, on bool) error {
	return s.state.Exclude(ctx, sender, on)
}

func (s *Service) IsExcluded(sender string) bool { return s.state.IsExcluded(sender) }

func (s *Service) Exclusions() []string { return s.state.Excluded() }

// Move reassigns a sender group from source to target until the next full
// analysis.
func (s *Service) Move(ctx context.Context, sender string, source, target model.Category) (model.MoveRecord, error) {
	if s.state.IsExcluded(sender) {
		return model.MoveRecord{}, fmt.Errorf("%s: %w", sender, ErrSenderExcluded)
	}
	if source == target {
		return model.MoveRecord{}, fmt.Errorf("%s to %s: %w", sender, target, reconcile.ErrInvalidMove)
	}
	g, err := s.group(source, sender)
	if err != nil {
		return model.MoveRecord{}, err
	}
	if err := s.state.RecordMove(ctx, g.Identity, source, target, g.MessageIDs); err != nil {
		return model.MoveRecord{}, err
	}
	for _, mv := range s.state.Moves() {
		if mv.Sender == g.Identity {
			return mv, nil
		}
	}
	return model.MoveRecord{}, fmt.Errorf("move of %s not recorded", g.Identity)
}

func (s *Service) Moves() []model.MoveRecord { return s.state.Moves() }

type HistoryQuery struct {
	Category model.Category
	Days     int
	Limit    int
}

type History struct {
	Records      []model.DeletionRecord `json:"records"`
	TotalDeleted int                    `json:"totalDeleted"`
	Since        time.Time              `json:"since,omitzero"`
}

// History lists deletion records newest first. Days bounds the window when
// positive.
func (s *Service) History(ctx context.Context, q HistoryQuery) (History, error) {
	var h History
	if q.Days > 0 {
		h.Since = s.now().UTC().AddDate(0, 0, -q.Days)
	}
	recs, err := s.store.ListDeletions(ctx, store.DeletionFilter{Category: q.Category, Since: h.Since, Limit: q.Limit})
	if err != nil {
		return h, err
	}
	h.Records = recs
	if h.TotalDeleted, err = s.store.TotalDeleted(ctx, h.Since); err != nil {
		return h, err
	}
	return h, nil
}

type RuleInput struct {
	Category      model.Category
	OlderThanDays int
	Frequency     model.RuleFrequency
}

func (s *Service) CreateRule(ctx context.Context, in RuleInput) (model.AutomationRule, error) {
	if _, err := model.ParseCategory(string(in.Category)); err != nil {
		return model.AutomationRule{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	if in.OlderThanDays < 0 {
		return model.AutomationRule{}, fmt.Errorf("%w: negative age", ErrInvalidRule)
	}
	switch in.Frequency {
	case model.RuleDaily, model.RuleWeekly:
	default:
		return model.AutomationRule{}, fmt.Errorf("%w: frequency %q", ErrInvalidRule, in.Frequency)
	}
	r := model.AutomationRule{
		ID:            uuid.NewString(),
		Category:      in.Category,
		OlderThanDays: in.OlderThanDays,
		Frequency:     in.Frequency,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return model.AutomationRule{}, err
	}
	s.l.WithFields(logrus.Fields{"rule": r.ID, "category": r.Category}).Info("Rule created")
	return r, nil
}

func (s *Service) Rules(ctx context.Context) ([]model.AutomationRule, error) {
	return s.store.ListRules(ctx)
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.store.DeleteRule(ctx, id)
}

// DueRules returns the rules whose period has elapsed at now.
func (s *Service) DueRules(ctx context.Context, now time.Time) ([]model.AutomationRule, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(rules, func(r model.AutomationRule) bool { return !r.Due(now) }), nil
}

type RuleRun struct {
	Rule     model.AutomationRule `json:"rule"`
	Selected int                  `json:"selected"`
	Outcome  *gmail.TrashOutcome  `json:"outcome,omitempty"`
}

// ApplyRule refreshes the rule's category and trashes the visible messages at
// least OlderThanDays old.
func (s *Service) ApplyRule(ctx context.Context, id string) (RuleRun, error) {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return RuleRun{}, err
	}
	run := RuleRun{Rule: rule}
	view, err := s.List(ctx, rule.Category)
	if err != nil {
		return run, fmt.Errorf("rule %s: %w", id, err)
	}
	var ids []string
	for _, r := range view {
		if r.DaysAgo >= rule.OlderThanDays {
			ids = append(ids, r.ID)
		}
	}
	run.Selected = len(ids)

	processed := 0
	if len(ids) > 0 {
		out, err := s.Trash(ctx, TrashRequest{IDs: ids, Category: rule.Category})
		run.Outcome = &out
		if err != nil && !out.Success() {
			return run, fmt.Errorf("rule %s: %w", id, err)
		}
		processed = out.Succeeded
	}

	at := s.now().UTC()
	if err := s.store.RecordRuleRun(ctx, id, at, processed); err != nil {
		return run, err
	}
	run.Rule.LastRunAt = &at
	run.Rule.MessagesProcessed += processed
	s.l.WithFields(logrus.Fields{
		"rule":      id,
		"category":  rule.Category,
		"selected":  run.Selected,
		"processed": processed,
	}).Info("Rule applied")
	return run, nil
}

// ParseFrequency accepts daily or weekly in any case.
func ParseFrequency(s string) (model.RuleFrequency, error) {
	f := model.RuleFrequency(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case model.RuleDaily, model.RuleWeekly:
		return f, nil
	}
	return "", fmt.Errorf("%w: frequency %q", ErrInvalidRule, s)
}
