package gmail

import (
	"context"
	"fmt"
	"sync"

	"github.com/llmack/gmail-declutterer/internal/model"
)

type listCall struct {
	query string
	token string
	max   int64
}

// fakeLister serves ids 0..total-1 in pages, optionally failing page n.
type fakeLister struct {
	total   int
	failAt  int // page index that fails, -1 for none
	failErr error
	calls   []listCall
}

func (f *fakeLister) ListMessages(_ context.Context, query, pageToken string, max int64) (ListPage, error) {
	f.calls = append(f.calls, listCall{query, pageToken, max})
	page := len(f.calls) - 1
	if page == f.failAt {
		return ListPage{}, f.failErr
	}
	start := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "%d", &start)
	}
	end := min(start+int(max), f.total)
	var out ListPage
	for i := start; i < end; i++ {
		out.IDs = append(out.IDs, fmt.Sprintf("m%d", i))
	}
	if end < f.total {
		out.NextPageToken = fmt.Sprintf("%d", end)
	}
	return out, nil
}

// fakeMutator fails the primary call for ids in trashFail and the fallback
// for ids in labelFail.
type fakeMutator struct {
	mu        sync.Mutex
	trashFail map[string]error
	labelFail map[string]error
	trashed   []string
	relabeled []string
}

func (f *fakeMutator) Trash(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.trashFail[id]; err != nil {
		return err
	}
	f.trashed = append(f.trashed, id)
	return nil
}

func (f *fakeMutator) ModifyLabels(_ context.Context, id string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.labelFail[id]; err != nil {
		return err
	}
	if len(add) != 1 || add[0] != LabelTrash || len(remove) != 1 || remove[0] != LabelInbox {
		return fmt.Errorf("unexpected label change +%v -%v", add, remove)
	}
	f.relabeled = append(f.relabeled, id)
	return nil
}

type memDeletionLog struct {
	records []model.DeletionRecord
}

func (m *memDeletionLog) AppendDeletion(_ context.Context, rec model.DeletionRecord) error {
	m.records = append(m.records, rec)
	return nil
}
