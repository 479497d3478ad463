package gmail

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/llmack/gmail-declutterer/internal/log"

	"github.com/sirupsen/logrus"
)

// MaxPageSize is the largest page the Gmail list call returns.
const MaxPageSize = 500

const trashExclusion = "-in:trash"

// MessageLister is the list half of the provider.
type MessageLister interface {
	ListMessages(ctx context.Context, query, pageToken string, max int64) (ListPage, error)
}

// Pager walks the id pages of a query.
type Pager struct {
	lister   MessageLister
	pageSize int
	l        *logrus.Logger
}

func NewPager(lister MessageLister, pageSize int) *Pager {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return &Pager{
		lister:   lister,
		pageSize: pageSize,
		l:        log.Logger(log.LOG_GMAIL),
	}
}

// ExcludeTrash appends the trash exclusion clause to query.
func ExcludeTrash(query string) string {
	return strings.TrimSpace(strings.TrimSpace(query) + " " + trashExclusion)
}

// IDs yields at most limit ids matching query, in provider order. Paging stops
// when the limit is reached, the provider has no further page, a page comes
// back empty, or a page request fails. A failed page is logged and ends the
// sequence without an error, unless the credential was rejected or ctx is done.
func (p *Pager) IDs(ctx context.Context, query string, limit int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		q := ExcludeTrash(query)
		total := 0
		token := ""
		for total < limit {
			size := min(p.pageSize, limit-total)
			page, err := p.lister.ListMessages(ctx, q, token, int64(size))
			if err != nil {
				if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
					yield("", err)
					return
				}
				p.l.WithError(err).WithFields(logrus.Fields{"query": q, "collected": total}).
					Warn("Stopping pagination after failed page")
				return
			}
			if len(page.IDs) == 0 {
				return
			}
			for _, id := range page.IDs {
				if total >= limit {
					return
				}
				if !yield(id, nil) {
					return
				}
				total++
			}
			if page.NextPageToken == "" {
				return
			}
			token = page.NextPageToken
		}
	}
}

// Collect drains IDs into a slice.
func (p *Pager) Collect(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	for id, err := range p.IDs(ctx, query, limit) {
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
