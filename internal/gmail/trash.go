package gmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TrashMutator is the write half of the provider.
type TrashMutator interface {
	Trash(ctx context.Context, id string) error
	ModifyLabels(ctx context.Context, id string, add, remove []string) error
}

// DeletionLog persists deletion records.
type DeletionLog interface {
	AppendDeletion(ctx context.Context, rec model.DeletionRecord) error
}

// ItemState is the position of one message in the trash state machine:
// pending -> done (primary), pending -> fallback -> done, or ... -> failed.
type ItemState string

const (
	StatePending  ItemState = "pending"
	StateFallback ItemState = "fallback"
	StateDone     ItemState = "done"
	StateFailed   ItemState = "failed"
)

const (
	ViaTrash  = "trash"
	ViaLabels = "labels"
)

type ItemResult struct {
	MessageID string    `json:"messageId"`
	Success   bool      `json:"success"`
	State     ItemState `json:"state"`
	Via       string    `json:"via,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type BatchStatus string

const (
	StatusApplied        BatchStatus = "applied"
	StatusPartial        BatchStatus = "partial"
	StatusNothingApplied BatchStatus = "nothing_applied"
)

// TrashOutcome is the aggregate result of one Executor.Trash call. Results
// mirror the input order.
type TrashOutcome struct {
	Status    BatchStatus           `json:"status"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Results   []ItemResult          `json:"results"`
	Record    *model.DeletionRecord `json:"record,omitempty"`
}

// Success is true when at least one message reached the trash.
func (o TrashOutcome) Success() bool { return o.Succeeded > 0 }

// Warning describes a partially applied batch, or is empty.
func (o TrashOutcome) Warning() string {
	if o.Status != StatusPartial {
		return ""
	}
	return fmt.Sprintf("trashed %d of %d messages (%d failed)", o.Succeeded, o.Succeeded+o.Failed, o.Failed)
}

// SuccessfulIDs lists the ids that reached the trash.
func (o TrashOutcome) SuccessfulIDs() []string {
	var ids []string
	for _, r := range o.Results {
		if r.Success {
			ids = append(ids, r.MessageID)
		}
	}
	return ids
}

// Executor moves messages to trash one by one, falling back to a label
// change when the trash call fails.
type Executor struct {
	mutator TrashMutator
	log     DeletionLog
	now     func() time.Time
	l       *logrus.Logger
}

func NewExecutor(mutator TrashMutator, dl DeletionLog) *Executor {
	return &Executor{
		mutator: mutator,
		log:     dl,
		now:     time.Now,
		l:       log.Logger(log.LOG_GMAIL),
	}
}

// Trash processes ids sequentially. When at least one message succeeds a
// single DeletionRecord holding only the successful ids is appended to the
// log. Zero successes return ErrTotalBatchFailure and write nothing. A
// rejected credential stops the batch; the remaining items are reported as
// failed and the returned error wraps ErrUnauthorized.
func (e *Executor) Trash(ctx context.Context, ids []string, category model.Category, sender *model.Sender) (TrashOutcome, error) {
	if len(ids) == 0 {
		return TrashOutcome{Status: StatusNothingApplied}, ErrNoMessageIDs
	}

	out := TrashOutcome{Results: make([]ItemResult, len(ids))}
	var stopErr error
	for i, id := range ids {
		res := ItemResult{MessageID: id, State: StatePending}
		if stopErr == nil {
			if err := ctx.Err(); err != nil {
				stopErr = err
			}
		}
		if stopErr != nil {
			res.State = StateFailed
			res.Error = stopErr.Error()
		} else {
			res, stopErr = e.trashOne(ctx, id)
		}
		if res.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results[i] = res
	}

	fields := logrus.Fields{"category": category, "succeeded": out.Succeeded, "failed": out.Failed}
	switch {
	case out.Succeeded == 0:
		out.Status = StatusNothingApplied
		e.l.WithFields(fields).Error("Trash batch failed completely")
		if stopErr != nil {
			return out, fmt.Errorf("%w: %w", ErrTotalBatchFailure, stopErr)
		}
		return out, ErrTotalBatchFailure
	case out.Failed > 0:
		out.Status = StatusPartial
		e.l.WithFields(fields).Warn("Trash batch partially applied")
	default:
		out.Status = StatusApplied
		e.l.WithFields(fields).Info("Trash batch applied")
	}

	rec := model.DeletionRecord{
		ID:         uuid.NewString(),
		Category:   category,
		Count:      out.Succeeded,
		MessageIDs: out.SuccessfulIDs(),
		Timestamp:  e.now().UTC(),
	}
	if sender != nil {
		rec.SenderEmail = sender.Address
		rec.SenderName = sender.Name
	}
	out.Record = &rec
	if e.log != nil {
		// The trash already happened; a failed append must not look like a
		// failed batch.
		if err := e.log.AppendDeletion(context.WithoutCancel(ctx), rec); err != nil {
			e.l.WithError(err).WithField("record", rec.ID).Error("Could not append deletion record")
		}
	}
	return out, stopErr
}

func (e *Executor) trashOne(ctx context.Context, id string) (ItemResult, error) {
	res := ItemResult{MessageID: id, State: StatePending}

	err := e.mutator.Trash(ctx, id)
	if err == nil {
		res.State, res.Success, res.Via = StateDone, true, ViaTrash
		return res, nil
	}
	if errors.Is(err, ErrUnauthorized) {
		res.State, res.Error = StateFailed, err.Error()
		return res, err
	}

	res.State = StateFallback
	e.l.WithError(err).WithField("id", id).Debug("Trash call failed, relabelling instead")
	ferr := e.mutator.ModifyLabels(ctx, id, []string{LabelTrash}, []string{LabelInbox})
	if ferr == nil {
		res.State, res.Success, res.Via = StateDone, true, ViaLabels
		return res, nil
	}
	res.State = StateFailed
	res.Error = ferr.Error()
	e.l.WithError(ferr).WithField("id", id).Warn("Could not move message to trash")
	if errors.Is(ferr, ErrUnauthorized) {
		return res, ferr
	}
	return res, nil
}
