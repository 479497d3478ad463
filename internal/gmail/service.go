package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/llmack/gmail-declutterer/internal/log"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const user = "me"

const (
	LabelInbox = "INBOX"
	LabelTrash = "TRASH"
)

// metadataHeaders is the header projection requested for every message.
var metadataHeaders = []string{"From", "Subject", "Date"}

type ServiceOptions struct {
	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration
}

func (o ServiceOptions) withDefaults() ServiceOptions {
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 20
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	return o
}

// ListPage is one page of message ids.
type ListPage struct {
	IDs           []string
	NextPageToken string
}

// Service wraps the Gmail API with a shared rate limit, a per-call timeout,
// a circuit breaker and error classification.
//
// A Service built with NewService always uses the same authorized client.
// A Service built with NewBearerService builds a client per call from the
// token stored in the call context with WithToken.
type Service struct {
	fixed   *gmailv1.Service
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	l       *logrus.Logger
}

func NewService(svc *gmailv1.Service, opts ServiceOptions) *Service {
	s := newService(opts)
	s.fixed = svc
	return s
}

func NewBearerService(opts ServiceOptions) *Service {
	return newService(opts)
}

func newService(opts ServiceOptions) *Service {
	opts = opts.withDefaults()
	l := log.Logger(log.LOG_GMAIL)
	return &Service{
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		timeout: opts.CallTimeout,
		l:       l,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gmail-api",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.ConsecutiveFailures > 5 ||
					(counts.Requests >= 10 && failureRatio >= 0.6)
			},
			// Client errors say nothing about the health of the API.
			IsSuccessful: func(err error) bool {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) {
					return apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("Circuit breaker state changed")
			},
		}),
	}
}

type tokenKey struct{}

// WithToken attaches a bearer token for a Service built with NewBearerService.
func WithToken(ctx context.Context, tok *oauth2.Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

func TokenFromContext(ctx context.Context) (*oauth2.Token, bool) {
	tok, ok := ctx.Value(tokenKey{}).(*oauth2.Token)
	return tok, ok && tok != nil && tok.AccessToken != ""
}

func (s *Service) client(ctx context.Context) (*gmailv1.Service, error) {
	if s.fixed != nil {
		return s.fixed, nil
	}
	tok, ok := TokenFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	svc, err := gmailv1.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// call runs fn under the rate limit, timeout and breaker.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context, svc *gmailv1.Service) error) error {
	svc, err := s.client(ctx)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.cb.Execute(func() (interface{}, error) {
		return nil, fn(cctx, svc)
	})
	return classifyError(op, err)
}

func (s *Service) ListMessages(ctx context.Context, query, pageToken string, max int64) (ListPage, error) {
	var page ListPage
	err := s.call(ctx, "list messages", func(ctx context.Context, svc *gmailv1.Service) error {
		call := svc.Users.Messages.List(user).Q(query).MaxResults(max).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return err
		}
		page.NextPageToken = resp.NextPageToken
		page.IDs = make([]string, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			page.IDs = append(page.IDs, m.Id)
		}
		return nil
	})
	return page, err
}

func (s *Service) GetMetadata(ctx context.Context, id string) (*gmailv1.Message, error) {
	var msg *gmailv1.Message
	err := s.call(ctx, "get message "+id, func(ctx context.Context, svc *gmailv1.Service) error {
		m, err := svc.Users.Messages.Get(user, id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).
			Do()
		msg = m
		return err
	})
	return msg, err
}

func (s *Service) Trash(ctx context.Context, id string) error {
	return s.call(ctx, "trash message "+id, func(ctx context.Context, svc *gmailv1.Service) error {
		_, err := svc.Users.Messages.Trash(user, id).Context(ctx).Do()
		return err
	})
}

func (s *Service) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	req := &gmailv1.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	return s.call(ctx, "modify message "+id, func(ctx context.Context, svc *gmailv1.Service) error {
		_, err := svc.Users.Messages.Modify(user, id, req).Context(ctx).Do()
		return err
	})
}

// MessagesTotal returns the mailbox message count from the user profile.
func (s *Service) MessagesTotal(ctx context.Context) (int64, error) {
	var total int64
	err := s.call(ctx, "get profile", func(ctx context.Context, svc *gmailv1.Service) error {
		p, err := svc.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return err
		}
		total = p.MessagesTotal
		return nil
	})
	return total, err
}
