package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/llmack/gmail-declutterer/internal/util"
)

// Category identifies a cleanup bucket. The string value is the id used on the
// wire and in persisted state.
type Category string

const (
	TemporaryCode Category = "temp-codes"
	Subscription  Category = "subscriptions"
	Promotional   Category = "promotions"
	Newsletter    Category = "newsletters"
	Receipt       Category = "receipts"
	Regular       Category = "regular"
)

// AllCategories lists every category in display order.
var AllCategories = []Category{TemporaryCode, Subscription, Promotional, Newsletter, Receipt, Regular}

var ErrUnknownCategory = errors.New("unknown category")

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownCategory)
}

func (c Category) Title() string {
	switch c {
	case TemporaryCode:
		return "Temporary codes"
	case Subscription:
		return "Subscriptions"
	case Promotional:
		return "Promotions"
	case Newsletter:
		return "Newsletters"
	case Receipt:
		return "Receipts"
	case Regular:
		return "Regular"
	}
	return string(c)
}

// Declutterable reports whether messages of this category count towards the
// mailbox cleanup potential.
func (c Category) Declutterable() bool {
	switch c {
	case TemporaryCode, Subscription, Promotional, Newsletter:
		return true
	}
	return false
}

type CodeKind string

const (
	CodeVerification CodeKind = "verification"
	CodeOTP          CodeKind = "otp"
	CodeSecurity     CodeKind = "security"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

type PromotionKind string

const (
	PromotionDeal   PromotionKind = "deal"
	PromotionCoupon PromotionKind = "coupon"
	PromotionSale   PromotionKind = "sale"
	PromotionOffer  PromotionKind = "offer"
)

type NewsletterKind string

const (
	NewsletterNews   NewsletterKind = "news"
	NewsletterUpdate NewsletterKind = "update"
	NewsletterDigest NewsletterKind = "digest"
	NewsletterAlert  NewsletterKind = "alert"
)

type ReceiptKind string

const (
	ReceiptOrder   ReceiptKind = "order"
	ReceiptBill    ReceiptKind = "bill"
	ReceiptInvoice ReceiptKind = "invoice"
	ReceiptReceipt ReceiptKind = "receipt"
)

// Sender is the parsed From header of a message.
type Sender struct {
	Name    string `json:"name"`
	Address string `json:"email"`
}

// Identity is the key used for exclusions, moves and grouping.
func (s Sender) Identity() string {
	return SenderKey(s.Address)
}

// SenderKey normalizes a sender identity given by a caller (address or From
// header value).
func SenderKey(s string) string {
	if key := util.NormalizeSender(s); key != "" {
		return key
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// RawMessage is the metadata projection of a remote message.
type RawMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId,omitempty"`
	Sender       Sender    `json:"sender"`
	Subject      string    `json:"subject"`
	Date         time.Time `json:"date"`
	SizeEstimate int64     `json:"sizeEstimate"`
	LabelIDs     []string  `json:"labelIds,omitempty"`
	Snippet      string    `json:"snippet,omitempty"`
}

// CategoryResult is a message confirmed for a category plus the attributes
// derived for it. DaysAgo is computed at classification time.
type CategoryResult struct {
	RawMessage
	Category Category `json:"category"`
	DaysAgo  int      `json:"daysAgo"`

	CodeKind  CodeKind `json:"codeKind,omitempty"`
	Code      string   `json:"code,omitempty"`
	IsExpired bool     `json:"isExpired,omitempty"`

	Frequency      Frequency      `json:"frequency,omitempty"`
	PromotionKind  PromotionKind  `json:"promotionKind,omitempty"`
	NewsletterKind NewsletterKind `json:"newsletterKind,omitempty"`
	ReceiptKind    ReceiptKind    `json:"receiptKind,omitempty"`
}

// DeletionRecord is the append-only log entry written after a bulk trash
// with at least one success.
type DeletionRecord struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	Count       int       `json:"count"`
	MessageIDs  []string  `json:"messageIds"`
	SenderEmail string    `json:"senderEmail,omitempty"`
	SenderName  string    `json:"senderName,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const gmailTrashURL = "https://mail.google.com/mail/u/0/#trash"

// TrashSearchURL links to the Gmail trash filtered by the record's sender.
func (r DeletionRecord) TrashSearchURL() string {
	if r.SenderEmail == "" {
		return gmailTrashURL
	}
	return "https://mail.google.com/mail/u/0/#search/in%3Atrash+" + url.QueryEscape("from:"+r.SenderEmail)
}

// MoveRecord hides a sender from Source and shows its messages under Target
// until the next full analysis.
type MoveRecord struct {
	Sender     string    `json:"sender"`
	Source     Category  `json:"sourceCategory"`
	Target     Category  `json:"targetCategory"`
	MessageIDs []string  `json:"messageIds"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CategorySummary struct {
	Category  Category         `json:"category"`
	Count     int              `json:"count"`
	Sample    []CategoryResult `json:"sample"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Err       string           `json:"error,omitempty"`
}

// SenderGroup aggregates the messages of one sender inside a category.
type SenderGroup struct {
	Identity    string    `json:"sender"`
	DisplayName string    `json:"name"`
	Category    Category  `json:"category"`
	Count       int       `json:"count"`
	Sample      string    `json:"sample"`
	FirstDate   time.Time `json:"firstDate"`
	LastDate    time.Time `json:"lastDate"`
	TotalSize   int64     `json:"totalSize"`
	MessageIDs  []string  `json:"messageIds"`
}

type RuleFrequency string

const (
	RuleDaily  RuleFrequency = "daily"
	RuleWeekly RuleFrequency = "weekly"
)

func (f RuleFrequency) Period() time.Duration {
	if f == RuleWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// AutomationRule trashes messages of a category older than OlderThanDays.
type AutomationRule struct {
	ID                string        `json:"id"`
	Category          Category      `json:"category"`
	OlderThanDays     int           `json:"olderThanDays"`
	Frequency         RuleFrequency `json:"frequency"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastRunAt         *time.Time    `json:"lastRunAt,omitempty"`
	MessagesProcessed int           `json:"messagesProcessed"`
}

// Due reports whether the rule should run at now.
func (r AutomationRule) Due(now time.Time) bool {
	if r.LastRunAt == nil {
		return true
	}
	return !r.LastRunAt.Add(r.Frequency.Period()).After(now)
}

type Stats struct {
	TotalMessages      int64            `json:"totalMessages"`
	Declutterable      int              `json:"declutterable"`
	PotentialBytes     int64            `json:"potentialBytes"`
	DeclutterPotential int              `json:"declutterPotential"`
	PerCategory        map[Category]int `json:"perCategory"`
}
