package checkout

import (
	"strings"
	"unicode/utf8"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
)

// Metadata keys written to processor objects. Downstream tooling reads
// these, so the names are part of the external contract.
const (
	MetaFunnelType         = "funnel_type"
	MetaCustomerEmail      = "customer_email"
	MetaCustomerName       = "customer_name"
	MetaCustomerPhone      = "customer_phone"
	MetaTier               = "tier"
	MetaDiscount           = "discount"
	MetaPriceID            = "price_id"
	MetaMembershipInterval = "membership_interval"
	MetaProductID          = "product_id"
	MetaProductName        = "product_name"
	MetaAddOnsIncluded     = "add_ons_included"
	MetaLineItems          = "line_items"
	MetaCoach              = "coach"
	MetaCoachingTier       = "coaching_tier"
	MetaSixMonthCommitment = "six_month_commitment"
	MetaPaymentPlan        = "payment_plan"

	MetaSplitPayment             = "split_payment"
	MetaPaymentNumber            = "payment_number"
	MetaTotalPayments            = "total_payments"
	MetaSecondPaymentAmount      = "second_payment_amount"
	MetaFirstPaymentIntentID     = "first_payment_intent_id"
	MetaSecondPaymentProcessed   = "second_payment_processed"
	MetaSecondPaymentIntentID    = "second_payment_intent_id"
	MetaSecondPaymentProcessedAt = "second_payment_processed_at"

	MetaActivatedFromPI       = "activated_from_pi"
	MetaActivatedFromSI       = "activated_from_si"
	MetaFirstPaymentCollected = "first_payment_collected"
)

// Funnel types.
const (
	FunnelMembership      = "membership"
	FunnelCommunity       = "community"
	FunnelCoaching        = "coaching"
	FunnelCoachingMonthly = "coaching_monthly"
	FunnelProduct         = "product"
)

// maxMetadataValue is the processor's limit on a metadata value.
const maxMetadataValue = 500

// Tracking carries marketing attribution captured on the checkout page.
type Tracking struct {
	UTMSource       string `json:"utm_source,omitempty"`
	UTMMedium       string `json:"utm_medium,omitempty"`
	UTMCampaign     string `json:"utm_campaign,omitempty"`
	UTMContent      string `json:"utm_content,omitempty"`
	UTMTerm         string `json:"utm_term,omitempty"`
	FBClickID       string `json:"fbclid,omitempty"`
	FBBrowserID     string `json:"fbp,omitempty"`
	FBClickCookie   string `json:"fbc,omitempty"`
	GoogleClickID   string `json:"gclid,omitempty"`
	EventID         string `json:"event_id,omitempty"`
	LandingPage     string `json:"landing_page,omitempty"`
	Referrer        string `json:"referrer,omitempty"`
	ClientIP        string `json:"client_ip,omitempty"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
}

func (t Tracking) fields() map[string]string {
	return map[string]string{
		"utm_source":        t.UTMSource,
		"utm_medium":        t.UTMMedium,
		"utm_campaign":      t.UTMCampaign,
		"utm_content":       t.UTMContent,
		"utm_term":          t.UTMTerm,
		"fbclid":            t.FBClickID,
		"fbp":               t.FBBrowserID,
		"fbc":               t.FBClickCookie,
		"gclid":             t.GoogleClickID,
		"event_id":          t.EventID,
		"landing_page":      t.LandingPage,
		"referrer":          t.Referrer,
		"client_ip":         t.ClientIP,
		"client_user_agent": t.ClientUserAgent,
	}
}

// JSONB returns the non-empty tracking fields.
func (t Tracking) JSONB() models.JSONB {
	out := models.JSONB{}
	for k, v := range t.fields() {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Metadata is the flat string map attached to processor objects.
type Metadata map[string]string

// Set stores value under key, truncated to the processor's limit. Empty
// values are skipped.
func (m Metadata) Set(key, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	m[key] = truncate(value, maxMetadataValue)
}

// AddTracking flattens t into m.
func (m Metadata) AddTracking(t Tracking) {
	for k, v := range t.fields() {
		m.Set(k, v)
	}
}

// Merge returns a copy of m with every key of update applied on top. Keys
// only present in m survive unchanged.
func (m Metadata) Merge(update Metadata) Metadata {
	out := make(Metadata, len(m)+len(update))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func identityMetadata(funnel, email, name, phone string) Metadata {
	m := Metadata{}
	m.Set(MetaFunnelType, funnel)
	m.Set(MetaCustomerEmail, email)
	m.Set(MetaCustomerName, name)
	m.Set(MetaCustomerPhone, phone)
	return m
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// contextFromMetadata builds the typed checkout context for objectID from
// the metadata written alongside it.
func contextFromMetadata(objectID, customerID string, md Metadata, addOns []string, tracking Tracking) *models.CheckoutContext {
	tier := md[MetaTier]
	if tier == "" {
		tier = md[MetaCoachingTier]
	}
	if tier == "" {
		tier = md[MetaMembershipInterval]
	}
	return &models.CheckoutContext{
		ProcessorObjectID: objectID,
		FunnelType:        md[MetaFunnelType],
		CustomerID:        strPtr(customerID),
		Email:             strPtr(md[MetaCustomerEmail]),
		Name:              strPtr(md[MetaCustomerName]),
		Phone:             strPtr(md[MetaCustomerPhone]),
		Tier:              strPtr(tier),
		Discount:          strPtr(md[MetaDiscount]),
		Coach:             strPtr(md[MetaCoach]),
		ProductID:         strPtr(md[MetaProductID]),
		AddOns:            addOns,
		Tracking:          tracking.JSONB(),
	}
}
