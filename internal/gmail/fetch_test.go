package gmail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailv1 "google.golang.org/api/gmail/v1"
)

func metadataMessage(id string, headers map[string]string) *gmailv1.Message {
	msg := &gmailv1.Message{
		Id:           id,
		ThreadId:     "t-" + id,
		LabelIds:     []string{"INBOX", "CATEGORY_UPDATES"},
		Snippet:      "snippet",
		SizeEstimate: 2048,
		Payload:      &gmailv1.MessagePart{},
	}
	for name, value := range headers {
		msg.Payload.Headers = append(msg.Payload.Headers, &gmailv1.MessagePartHeader{Name: name, Value: value})
	}
	return msg
}

type fakeGetter map[string]*gmailv1.Message

func (f fakeGetter) GetMetadata(_ context.Context, id string) (*gmailv1.Message, error) {
	msg, ok := f[id]
	if !ok {
		return nil, errors.Join(ErrTransient, errors.New("boom"))
	}
	return msg, nil
}

func TestMessageFromMetadata(t *testing.T) {
	msg := metadataMessage("1", map[string]string{
		"From":    `"GitHub" <noreply+security@GitHub.com>`,
		"subject": "Your code is 123456",
		"Date":    "Tue, 2 Jan 2024 15:04:05 -0700",
	})
	raw, err := MessageFromMetadata(msg)
	require.NoError(t, err)

	assert.Equal(t, "1", raw.ID)
	assert.Equal(t, "t-1", raw.ThreadID)
	assert.Equal(t, "GitHub", raw.Sender.Name)
	assert.Equal(t, "noreply+security@github.com", raw.Sender.Address)
	assert.Equal(t, "noreply@github.com", raw.Sender.Identity())
	assert.Equal(t, "Your code is 123456", raw.Subject)
	assert.Equal(t, time.Date(2024, 1, 2, 22, 4, 5, 0, time.UTC), raw.Date)
	assert.Equal(t, int64(2048), raw.SizeEstimate)
	assert.Equal(t, []string{"INBOX", "CATEGORY_UPDATES"}, raw.LabelIDs)
}

func TestMessageFromMetadataMissingHeaders(t *testing.T) {
	msg := metadataMessage("2", map[string]string{
		"From": "shop@example.com",
	})
	_, err := MessageFromMetadata(msg)
	require.ErrorIs(t, err, ErrMalformedMessage)
	assert.Contains(t, err.Error(), "Subject")
	assert.Contains(t, err.Error(), "Date")
	assert.NotContains(t, err.Error(), "From")
}

func TestMessageFromMetadataUnparseableDateFallsBackToInternalDate(t *testing.T) {
	msg := metadataMessage("3", map[string]string{
		"From":    "shop@example.com",
		"Subject": "hello",
		"Date":    "sometime last week",
	})
	msg.InternalDate = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC).UnixMilli()
	raw, err := MessageFromMetadata(msg)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), raw.Date)
	assert.Equal(t, "Example", raw.Sender.Name)
}

func TestFetcherWrapsProviderErrors(t *testing.T) {
	f := NewFetcher(fakeGetter{})
	_, err := f.Fetch(context.Background(), "missing")

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "missing", fe.ID)
	assert.True(t, IsTransient(err))
}

func TestParseDateLayouts(t *testing.T) {
	for _, in := range []string{
		"Mon, 02 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
		"2006-01-02T22:04:05Z",
	} {
		got := parseDate(in)
		assert.Equal(t, time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC), got, in)
	}
	assert.True(t, parseDate("").IsZero())
}
