package gmail

import (
	"context"
	"errors"
	"testing"

	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote failure")

func TestTrashPartialFailureWritesOneRecord(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	mut := &fakeMutator{
		trashFail: map[string]error{"c": errRemote},
		labelFail: map[string]error{"c": errRemote},
	}
	dl := &memDeletionLog{}
	exec := NewExecutor(mut, dl)

	out, err := exec.Trash(context.Background(), ids, model.Promotional, &model.Sender{Name: "Shop", Address: "deals@shop.example"})
	require.NoError(t, err)

	assert.True(t, out.Success())
	assert.Equal(t, StatusPartial, out.Status)
	assert.Equal(t, 4, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, "trashed 4 of 5 messages (1 failed)", out.Warning())

	require.Len(t, out.Results, 5)
	for i, r := range out.Results {
		assert.Equal(t, ids[i], r.MessageID)
	}
	assert.False(t, out.Results[2].Success)
	assert.Equal(t, StateFailed, out.Results[2].State)
	assert.NotEmpty(t, out.Results[2].Error)

	require.Len(t, dl.records, 1)
	rec := dl.records[0]
	assert.Equal(t, 4, rec.Count)
	assert.Equal(t, []string{"a", "b", "d", "e"}, rec.MessageIDs)
	assert.Equal(t, model.Promotional, rec.Category)
	assert.Equal(t, "deals@shop.example", rec.SenderEmail)
	assert.Equal(t, "Shop", rec.SenderName)
	assert.NotEmpty(t, rec.ID)
}

func TestTrashFallsBackToLabels(t *testing.T) {
	mut := &fakeMutator{trashFail: map[string]error{"b": errRemote}}
	dl := &memDeletionLog{}

	out, err := NewExecutor(mut, dl).Trash(context.Background(), []string{"a", "b"}, model.Newsletter, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, out.Status)
	assert.Equal(t, ViaTrash, out.Results[0].Via)
	assert.Equal(t, ViaLabels, out.Results[1].Via)
	assert.Equal(t, StateDone, out.Results[1].State)
	assert.Equal(t, []string{"b"}, mut.relabeled)

	require.Len(t, dl.records, 1)
	assert.Empty(t, dl.records[0].SenderEmail)
	assert.Equal(t, 2, dl.records[0].Count)
}

func TestTrashTotalFailureWritesNothing(t *testing.T) {
	fail := map[string]error{"a": errRemote, "b": errRemote}
	mut := &fakeMutator{trashFail: fail, labelFail: fail}
	dl := &memDeletionLog{}

	out, err := NewExecutor(mut, dl).Trash(context.Background(), []string{"a", "b"}, model.Receipt, nil)
	require.ErrorIs(t, err, ErrTotalBatchFailure)
	assert.False(t, out.Success())
	assert.Equal(t, StatusNothingApplied, out.Status)
	assert.Equal(t, 2, out.Failed)
	assert.Nil(t, out.Record)
	assert.Empty(t, dl.records)
}

func TestTrashStopsOnUnauthorized(t *testing.T) {
	mut := &fakeMutator{trashFail: map[string]error{"b": ErrUnauthorized}}
	dl := &memDeletionLog{}

	out, err := NewExecutor(mut, dl).Trash(context.Background(), []string{"a", "b", "c"}, model.Subscription, nil)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, []string{"a"}, mut.trashed)
	assert.Empty(t, mut.relabeled)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 2, out.Failed)
	assert.Equal(t, StateFailed, out.Results[2].State)
	require.Len(t, dl.records, 1)
	assert.Equal(t, []string{"a"}, dl.records[0].MessageIDs)
}

func TestTrashRejectsEmptyInput(t *testing.T) {
	_, err := NewExecutor(&fakeMutator{}, &memDeletionLog{}).Trash(context.Background(), nil, model.Regular, nil)
	assert.ErrorIs(t, err, ErrNoMessageIDs)
}

func TestTrashCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mut := &fakeMutator{}
	dl := &memDeletionLog{}

	out, err := NewExecutor(mut, dl).Trash(ctx, []string{"a", "b"}, model.Regular, nil)
	require.ErrorIs(t, err, ErrTotalBatchFailure)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mut.trashed)
	assert.Equal(t, 2, out.Failed)
	assert.Empty(t, dl.records)
}
