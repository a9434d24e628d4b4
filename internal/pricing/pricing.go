// Package pricing computes community membership prices for each billing tier
// and the discounts that may be applied to them. Everything here is pure: no
// I/O, deterministic for a given tier and discount.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is a community billing term.
type Tier string

const (
	TierMonthly Tier = "monthly"
	Tier3Month  Tier = "3_month"
	Tier6Month  Tier = "6_month"
	TierAnnual  Tier = "annual"
	Tier24Month Tier = "24_month"
)

// Discount is a named discount program.
type Discount string

const (
	DiscountNone            Discount = "none"
	DiscountChallengeWinner Discount = "challenge_winner"
	DiscountFirst4Months    Discount = "first_4_months"
)

var (
	ErrUnknownTier     = errors.New("pricing: unknown tier")
	ErrUnknownDiscount = errors.New("pricing: unknown discount")
)

type tierTerms struct {
	base   decimal.Decimal
	months int64
}

var tiers = map[Tier]tierTerms{
	TierMonthly: {base: decimal.NewFromInt(97), months: 1},
	Tier3Month:  {base: decimal.NewFromInt(267), months: 3},
	Tier6Month:  {base: decimal.NewFromInt(497), months: 6},
	TierAnnual:  {base: decimal.NewFromInt(897), months: 12},
	Tier24Month: {base: decimal.NewFromInt(1497), months: 24},
}

var (
	challengeWinnerAmount = decimal.NewFromInt(100)
	first4MonthsMonthly   = decimal.RequireFromString("49.25")
	first4MonthsCount     = decimal.NewFromInt(4)
)

// eligibility lists the discounts each tier accepts. DiscountNone is always allowed.
var eligibility = map[Tier][]Discount{
	TierMonthly: {DiscountFirst4Months},
	Tier3Month:  {DiscountChallengeWinner},
	Tier6Month:  {DiscountChallengeWinner},
	TierAnnual:  {DiscountChallengeWinner, DiscountFirst4Months},
	Tier24Month: {DiscountChallengeWinner},
}

// Tiers returns every known tier in ascending term length.
func Tiers() []Tier {
	return []Tier{TierMonthly, Tier3Month, Tier6Month, TierAnnual, Tier24Month}
}

// Discounts returns every known discount.
func Discounts() []Discount {
	return []Discount{DiscountNone, DiscountChallengeWinner, DiscountFirst4Months}
}

// ParseTier validates a tier string.
func ParseTier(raw string) (Tier, error) {
	t := Tier(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := tiers[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, raw)
	}
	return t, nil
}

// ParseDiscount validates a discount string. An empty string means DiscountNone.
func ParseDiscount(raw string) (Discount, error) {
	d := Discount(strings.TrimSpace(strings.ToLower(raw)))
	switch d {
	case "":
		return DiscountNone, nil
	case DiscountNone, DiscountChallengeWinner, DiscountFirst4Months:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDiscount, raw)
}

// IsDiscountEligible reports whether discount may be applied to tier.
func IsDiscountEligible(tier Tier, discount Discount) bool {
	if _, ok := tiers[tier]; !ok {
		return false
	}
	if discount == DiscountNone {
		return true
	}
	for _, d := range eligibility[tier] {
		if d == discount {
			return true
		}
	}
	return false
}

// PriceCalculation is the price breakdown for one tier/discount pair.
type PriceCalculation struct {
	Tier              Tier            `json:"tier"`
	BasePrice         decimal.Decimal `json:"basePrice"`
	DiscountAmount    decimal.Decimal `json:"discountAmount"`
	FinalPrice        decimal.Decimal `json:"finalPrice"`
	DiscountType      Discount        `json:"discountType"`
	PriceID           string          `json:"priceId"`
	PromoCodeID       string          `json:"promoCodeId,omitempty"`
	MonthlyEquivalent decimal.Decimal `json:"monthlyEquivalent"`
	TotalMonths       int64           `json:"totalMonths"`
	// DiscountClamped is set when the discount exceeded the base price and the
	// final price was floored at zero.
	DiscountClamped bool `json:"discountClamped,omitempty"`
}

// IDs maps tiers and discounts to processor catalog references.
type IDs struct {
	TierPriceIDs map[Tier]string
	PromoCodeIDs map[Discount]string
}

// IDsFromCatalog converts string-keyed catalog maps into IDs.
func IDsFromCatalog(tierPrices, promoCodes map[string]string) IDs {
	ids := IDs{
		TierPriceIDs: make(map[Tier]string, len(tierPrices)),
		PromoCodeIDs: make(map[Discount]string, len(promoCodes)),
	}
	for k, v := range tierPrices {
		ids.TierPriceIDs[Tier(k)] = v
	}
	for k, v := range promoCodes {
		ids.PromoCodeIDs[Discount(k)] = v
	}
	return ids
}

// Calculator computes prices against a fixed set of catalog IDs.
type Calculator struct {
	ids IDs
}

// NewCalculator returns a Calculator using ids for price and promo references.
func NewCalculator(ids IDs) *Calculator {
	return &Calculator{ids: ids}
}

// Calculate returns the price breakdown for tier and discount. Eligibility is
// the caller's responsibility: an ineligible discount is silently dropped.
//
// first_4_months is modeled as four monthly reductions taken once off the
// tier's total price, not as four discounted invoices. On the monthly tier the
// lump exceeds the base price and the result clamps to zero.
func (c *Calculator) Calculate(tier Tier, discount Discount) (PriceCalculation, error) {
	terms, ok := tiers[tier]
	if !ok {
		return PriceCalculation{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if discount == "" {
		discount = DiscountNone
	}

	calc := PriceCalculation{
		Tier:           tier,
		BasePrice:      terms.base,
		DiscountAmount: decimal.Zero,
		DiscountType:   DiscountNone,
		PriceID:        c.ids.TierPriceIDs[tier],
		TotalMonths:    terms.months,
	}

	if discount != DiscountNone && IsDiscountEligible(tier, discount) {
		switch discount {
		case DiscountChallengeWinner:
			calc.DiscountAmount = challengeWinnerAmount
		case DiscountFirst4Months:
			calc.DiscountAmount = first4MonthsMonthly.Mul(first4MonthsCount)
		}
		calc.DiscountType = discount
		calc.PromoCodeID = c.ids.PromoCodeIDs[discount]
	}

	final := terms.base.Sub(calc.DiscountAmount)
	if final.IsNegative() {
		final = decimal.Zero
		calc.DiscountClamped = true
	}
	calc.FinalPrice = final
	calc.MonthlyEquivalent = final.DivRound(decimal.NewFromInt(terms.months), 2)

	return calc, nil
}
