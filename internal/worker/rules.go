// Package worker runs the automation rules on a schedule.
package worker

import (
	"context"
	"time"

	"github.com/llmack/gmail-declutterer/internal/declutter"
	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/sirupsen/logrus"
)

type RuleRunner interface {
	DueRules(ctx context.Context, now time.Time) ([]model.AutomationRule, error)
	ApplyRule(ctx context.Context, id string) (declutter.RuleRun, error)
}

// Authorize prepares the context of one tick, typically by attaching a
// fresh provider token. An error skips the tick.
type Authorize func(ctx context.Context) (context.Context, error)

type RuleWorker struct {
	runner    RuleRunner
	authorize Authorize
	interval  time.Duration
	now       func() time.Time
	l         *logrus.Logger
}

func NewRuleWorker(runner RuleRunner, interval time.Duration, authorize Authorize) *RuleWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RuleWorker{
		runner:    runner,
		authorize: authorize,
		interval:  interval,
		now:       time.Now,
		l:         log.Logger(log.LOG_WORKER),
	}
}

// Start checks for due rules once immediately and then on every tick until
// ctx is done.
func (w *RuleWorker) Start(ctx context.Context) {
	w.l.WithField("interval", w.interval).Info("Starting rule worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunDue(ctx)
	for {
		select {
		case <-ticker.C:
			w.RunDue(ctx)
		case <-ctx.Done():
			w.l.Info("Stopping rule worker")
			return
		}
	}
}

// RunDue applies every due rule and returns how many ran without error.
func (w *RuleWorker) RunDue(ctx context.Context) int {
	due, err := w.runner.DueRules(ctx, w.now())
	if err != nil {
		w.l.WithError(err).Error("Could not load rules")
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	if w.authorize != nil {
		ctx, err = w.authorize(ctx)
		if err != nil {
			w.l.WithError(err).Warn("Skipping rules, no credentials")
			return 0
		}
	}

	ok := 0
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		run, err := w.runner.ApplyRule(ctx, r.ID)
		if err != nil {
			w.l.WithError(err).WithField("rule", r.ID).Error("Rule failed")
			continue
		}
		ok++
		w.l.WithFields(logrus.Fields{"rule": r.ID, "selected": run.Selected}).Debug("Rule ran")
	}
	return ok
}
