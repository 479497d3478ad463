package gmail

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/llmack/gmail-declutterer/internal/model"
	"github.com/llmack/gmail-declutterer/internal/util"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// MetadataGetter is the metadata half of the provider.
type MetadataGetter interface {
	GetMetadata(ctx context.Context, id string) (*gmailv1.Message, error)
}

// Fetcher turns message ids into RawMessages.
type Fetcher struct {
	getter MetadataGetter
}

func NewFetcher(getter MetadataGetter) *Fetcher {
	return &Fetcher{getter: getter}
}

// Fetch returns the metadata projection of one message. Provider failures come
// back as *FetchError; messages lacking From, Subject or Date wrap
// ErrMalformedMessage.
func (f *Fetcher) Fetch(ctx context.Context, id string) (model.RawMessage, error) {
	msg, err := f.getter.GetMetadata(ctx, id)
	if err != nil {
		return model.RawMessage{}, &FetchError{ID: id, Err: err}
	}
	if msg == nil {
		return model.RawMessage{}, &FetchError{ID: id, Err: fmt.Errorf("empty response")}
	}
	return MessageFromMetadata(msg)
}

// MessageFromMetadata converts a metadata-format Gmail message.
func MessageFromMetadata(msg *gmailv1.Message) (model.RawMessage, error) {
	var from, subject, date string
	var hasFrom, hasSubject, hasDate bool
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				from, hasFrom = h.Value, true
			case "subject":
				subject, hasSubject = h.Value, true
			case "date":
				date, hasDate = h.Value, true
			}
		}
	}

	var missing []string
	name, address := util.ParseSender(from)
	if !hasFrom || address == "" {
		missing = append(missing, "From")
	}
	if !hasSubject {
		missing = append(missing, "Subject")
	}
	ts := parseDate(date)
	if ts.IsZero() && hasDate && msg.InternalDate > 0 {
		ts = time.UnixMilli(msg.InternalDate).UTC()
	}
	if !hasDate || ts.IsZero() {
		missing = append(missing, "Date")
	}
	if len(missing) > 0 {
		return model.RawMessage{}, fmt.Errorf("message %s without %s: %w", msg.Id, strings.Join(missing, ", "), ErrMalformedMessage)
	}

	return model.RawMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		Sender:       model.Sender{Name: name, Address: address},
		Subject:      subject,
		Date:         ts,
		SizeEstimate: msg.SizeEstimate,
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
	}, nil
}

// dateLayouts covers Date headers net/mail rejects.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"2 Jan 2006 15:04:05 -0700",
}

func parseDate(h string) time.Time {
	h = strings.TrimSpace(h)
	if h == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(h); err == nil {
		return t.UTC()
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, h); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
