package classify

import (
	"regexp"
	"slices"
	"strings"

	"github.com/llmack/gmail-declutterer/internal/model"
)

// predicate inspects one message field set.
type predicate func(m model.RawMessage) bool

func subjectMatches(re *regexp.Regexp) predicate {
	return func(m model.RawMessage) bool { return re.MatchString(m.Subject) }
}

func senderMatches(re *regexp.Regexp) predicate {
	return func(m model.RawMessage) bool { return re.MatchString(senderText(m)) }
}

func hasLabel(label string) predicate {
	return func(m model.RawMessage) bool { return slices.Contains(m.LabelIDs, label) }
}

func senderText(m model.RawMessage) string {
	return strings.ToLower(m.Sender.Name + " " + m.Sender.Address)
}

// kindRule maps a subject pattern to an attribute value; kind rules are
// evaluated in order and the first match wins.
type kindRule[K ~string] struct {
	re   *regexp.Regexp
	kind K
}

func firstKind[K ~string](rules []kindRule[K], text string, fallback K) K {
	for _, r := range rules {
		if r.re.MatchString(text) {
			return r.kind
		}
	}
	return fallback
}

// rule is the heuristic for one category. A message is confirmed when no
// reject predicate matches, the gate (if any) passes and at least one confirm
// predicate matches. An empty confirm list accepts everything not rejected.
type rule struct {
	category model.Category
	query    string
	reject   []predicate
	gate     predicate
	confirm  []predicate
	derive   func(r *model.CategoryResult)
}

func (r rule) matches(m model.RawMessage) bool {
	for _, p := range r.reject {
		if p(m) {
			return false
		}
	}
	if r.gate != nil && !r.gate(m) {
		return false
	}
	if len(r.confirm) == 0 {
		return true
	}
	for _, p := range r.confirm {
		if p(m) {
			return true
		}
	}
	return false
}

var (
	codePattern = regexp.MustCompile(`\b\d{4,8}\b`)

	tempCodeSubject = regexp.MustCompile(`(?i)verif|\bcodes?\b|\botp\b|one[- ]?time|passcode|security code|confirmation code|authenticat|log ?in code|sign[- ]?in|access code|\bpin\b|\btoken\b|two[- ]factor|\b2fa\b|multi[- ]factor|\bmfa\b|activat|validat`)

	codeKinds = []kindRule[model.CodeKind]{
		{regexp.MustCompile(`(?i)otp|one-?time|passcode`), model.CodeOTP},
		{regexp.MustCompile(`(?i)security code|secure|authentication`), model.CodeSecurity},
	}

	subscriptionSubject = regexp.MustCompile(`(?i)subscri|renewal|renews?\b|membership|your plan|billing cycle|\bdaily\b|\bweekly\b|\bmonthly\b`)
	subscriptionSender  = regexp.MustCompile(`subscri|membership|billing`)

	frequencies = []kindRule[model.Frequency]{
		{regexp.MustCompile(`(?i)\bdaily\b|every day|today's`), model.FrequencyDaily},
		{regexp.MustCompile(`(?i)\bweekly\b|every week|this week`), model.FrequencyWeekly},
		{regexp.MustCompile(`(?i)\bmonthly\b|every month|this month`), model.FrequencyMonthly},
	}

	promoSubject = regexp.MustCompile(`(?i)\bsale\b|\bdeals?\b|discount|coupon|promo|\boffers?\b|\d+\s*% off|limited time|clearance|save \$?\d+|free shipping|voucher`)
	promoKinds   = []kindRule[model.PromotionKind]{
		{regexp.MustCompile(`(?i)coupon|promo code|voucher`), model.PromotionCoupon},
		{regexp.MustCompile(`(?i)\bsale\b|clearance|\d+\s*% off|discount`), model.PromotionSale},
		{regexp.MustCompile(`(?i)\bdeals?\b|bargain`), model.PromotionDeal},
		{regexp.MustCompile(`(?i)\boffers?\b|exclusive|limited time`), model.PromotionOffer},
	}

	newsletterSubject = regexp.MustCompile(`(?i)newsletter|digest|roundup|round-up|bulletin|edition|issue #?\d+|this week in|recap`)
	newsletterSender  = regexp.MustCompile(`newsletter|digest|news@|substack|beehiiv|mailchimp`)
	newsletterKinds   = []kindRule[model.NewsletterKind]{
		{regexp.MustCompile(`(?i)digest|roundup|round-up|recap`), model.NewsletterDigest},
		{regexp.MustCompile(`(?i)alert|breaking|urgent`), model.NewsletterAlert},
		{regexp.MustCompile(`(?i)\bnews\b|headlines`), model.NewsletterNews},
		{regexp.MustCompile(`(?i)update|what's new|changelog|release`), model.NewsletterUpdate},
	}

	// Personal webmail and individual senders are not merchants unless the
	// address says otherwise.
	personalSender   = regexp.MustCompile(`gmail\.com|yahoo\.com|hotmail\.com|outlook\.com|icloud\.com|personal|friend|family|@student|@edu`)
	commercialSender = regexp.MustCompile(`no-?reply|receipt|order|invoice|billing|payment|shop|store|amazon|paypal|stripe|square|uber|lyft|doordash|grubhub|apple|google|microsoft|netflix|spotify`)

	// Explicit merchant wording in the subject vouches for a personal address.
	commercialSubject = regexp.MustCompile(`(?i)invoice|order confirmation|order #?\d+|order number|purchase confirmation|payment confirmation|shipping confirmation|transaction id`)

	receiptSubject = regexp.MustCompile(`(?i)receipt|order confirmation|purchase confirmation|payment confirmation|invoice|\bbill\b|payment received|transaction|order details|shipping confirmation|delivery confirmation|payment summary`)
	receiptKinds   = []kindRule[model.ReceiptKind]{
		{regexp.MustCompile(`(?i)order|purchase|shipping`), model.ReceiptOrder},
		{regexp.MustCompile(`(?i)\bbill\b|payment due`), model.ReceiptBill},
		{regexp.MustCompile(`(?i)invoice`), model.ReceiptInvoice},
		{regexp.MustCompile(`(?i)receipt|payment|transaction`), model.ReceiptReceipt},
	}

	regularNegative = regexp.MustCompile(`(?i)unsubscribe|newsletter|digest|receipt|invoice|order|verif|\bcode\b|\botp\b|\bsale\b|\bdeals?\b|\boffers?\b|promo|discount|coupon|subscription`)
)

const (
	labelPromotions = "CATEGORY_PROMOTIONS"
	labelUpdates    = "CATEGORY_UPDATES"
	labelSocial     = "CATEGORY_SOCIAL"
	labelForums     = "CATEGORY_FORUMS"
)

func defaultRules() map[model.Category]rule {
	rules := []rule{
		{
			category: model.TemporaryCode,
			query: `subject:(verification OR code OR otp OR "security code" OR "confirmation code" OR "verify" OR "authenticate" OR "login code" OR "access code" OR "pin" OR "token" OR "two-factor" OR "2fa" OR "multi-factor" OR "mfa" OR "sign in" OR "activation" OR "validation" OR "temporary" OR "one-time") OR from:(noreply OR "no-reply" OR security OR auth OR verification OR support)`,
			confirm: []predicate{
				subjectMatches(tempCodeSubject),
				subjectMatches(codePattern),
			},
			derive: deriveTempCode,
		},
		{
			category: model.Subscription,
			query:    `subject:(subscription OR subscribed OR renewal OR membership OR "your plan" OR daily OR weekly OR monthly) OR from:(subscriptions OR membership OR billing)`,
			confirm: []predicate{
				subjectMatches(subscriptionSubject),
				senderMatches(subscriptionSender),
			},
			derive: func(r *model.CategoryResult) {
				r.Frequency = firstKind(frequencies, r.Subject, "")
			},
		},
		{
			category: model.Promotional,
			query:    `category:promotions OR subject:(sale OR deal OR deals OR discount OR coupon OR offer OR promo OR "% off" OR "limited time" OR clearance OR "free shipping")`,
			confirm: []predicate{
				hasLabel(labelPromotions),
				subjectMatches(promoSubject),
			},
			derive: func(r *model.CategoryResult) {
				r.PromotionKind = firstKind(promoKinds, r.Subject, "")
			},
		},
		{
			category: model.Newsletter,
			query:    `subject:(newsletter OR digest OR roundup OR bulletin OR edition OR issue OR "this week in" OR recap) OR from:(newsletter OR news OR digest OR substack)`,
			confirm: []predicate{
				subjectMatches(newsletterSubject),
				senderMatches(newsletterSender),
			},
			derive: func(r *model.CategoryResult) {
				r.NewsletterKind = firstKind(newsletterKinds, r.Subject, "")
			},
		},
		{
			category: model.Receipt,
			query:    `(receipt OR order OR invoice OR bill OR purchase OR payment OR transaction OR confirmation OR "order confirmation" OR "shipping confirmation" OR "order details" OR "payment receipt") AND (-from:personal -from:friend -from:family)`,
			gate:     receiptGate,
			confirm: []predicate{
				senderMatches(commercialSender),
				subjectMatches(receiptSubject),
			},
			derive: func(r *model.CategoryResult) {
				r.ReceiptKind = firstKind(receiptKinds, r.Subject, model.ReceiptReceipt)
			},
		},
		{
			category: model.Regular,
			query:    `in:inbox -category:promotions -category:social -category:updates -category:forums -unsubscribe -subject:(newsletter OR digest OR receipt OR invoice OR order OR verification OR code OR otp OR sale OR deal OR offer OR promo OR subscription)`,
			reject: []predicate{
				hasLabel(labelPromotions),
				hasLabel(labelSocial),
				hasLabel(labelUpdates),
				hasLabel(labelForums),
				subjectMatches(regularNegative),
			},
		},
	}
	out := make(map[model.Category]rule, len(rules))
	for _, r := range rules {
		out[r.category] = r
	}
	return out
}

// receiptGate drops personal senders unless the sender or the subject
// carries a commercial indicator.
func receiptGate(m model.RawMessage) bool {
	s := senderText(m)
	if !personalSender.MatchString(s) {
		return true
	}
	return commercialSender.MatchString(s) || commercialSubject.MatchString(m.Subject)
}

func deriveTempCode(r *model.CategoryResult) {
	r.CodeKind = firstKind(codeKinds, r.Subject, model.CodeVerification)
	r.Code = codePattern.FindString(r.Subject)
	if r.Code == "" {
		r.Code = codePattern.FindString(r.Snippet)
	}
	r.IsExpired = r.DaysAgo > 1
}
