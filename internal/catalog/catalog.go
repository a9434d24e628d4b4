// Package catalog loads the product and price catalog the checkout flows sell
// from. The catalog maps internal product keys to processor price IDs and
// per-currency amounts.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrProductNotFound is returned when a product key is not in the catalog.
var ErrProductNotFound = errors.New("catalog: product not found")

// ErrNoPrice is returned when an item has no price in the requested currency.
var ErrNoPrice = errors.New("catalog: no price for currency")

// Catalog is the parsed, validated catalog.
type Catalog struct {
	Community  Community
	Membership map[string]MembershipPlan
	Coaching   map[string]CoachingTier
	Products   map[string]Product
	AddOns     map[string]AddOn
}

// Community holds processor IDs for the community tiers and discount promo codes.
type Community struct {
	TierPriceIDs map[string]string
	PromoCodeIDs map[string]string
}

// MembershipPlan is a recurring membership price.
type MembershipPlan struct {
	Key     string
	Name    string
	PriceID string
	Amount  decimal.Decimal
}

// CoachingTier describes a coaching offer and its payment options.
type CoachingTier struct {
	Key           string
	Name          string
	PriceID       string
	MonthlyAmount decimal.Decimal
	FullAmount    decimal.Decimal
}

// SplitAmounts returns the two installments of a split plan. The first
// installment absorbs any odd cent.
func (t CoachingTier) SplitAmounts() (first, second decimal.Decimal) {
	second = t.FullAmount.Div(decimal.NewFromInt(2)).RoundDown(2)
	first = t.FullAmount.Sub(second)
	return first, second
}

// Product is a one-time purchase with per-currency prices.
type Product struct {
	Key    string
	Name   string
	Prices map[string]decimal.Decimal
	AddOns []string
}

// Price returns the product price in currency.
func (p Product) Price(currency string) (decimal.Decimal, error) {
	amount, ok := p.Prices[strings.ToLower(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s %s", ErrNoPrice, p.Key, currency)
	}
	return amount, nil
}

// OffersAddOn reports whether key is sold alongside the product.
func (p Product) OffersAddOn(key string) bool {
	for _, k := range p.AddOns {
		if k == key {
			return true
		}
	}
	return false
}

// AddOn is an optional line item sold with a product or membership.
type AddOn struct {
	Key     string
	Name    string
	PriceID string
	Prices  map[string]decimal.Decimal
}

// Price returns the add-on price in currency.
func (a AddOn) Price(currency string) (decimal.Decimal, error) {
	amount, ok := a.Prices[strings.ToLower(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s %s", ErrNoPrice, a.Key, currency)
	}
	return amount, nil
}

// Product looks up a product by key.
func (c *Catalog) Product(key string) (Product, error) {
	p, ok := c.Products[key]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, key)
	}
	return p, nil
}

// AddOn looks up an add-on by key.
func (c *Catalog) AddOn(key string) (AddOn, bool) {
	a, ok := c.AddOns[key]
	return a, ok
}

// MembershipKeys lists the configured membership intervals in stable order.
func (c *Catalog) MembershipKeys() []string {
	keys := make([]string, 0, len(c.Membership))
	for k := range c.Membership {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type fileCatalog struct {
	Community struct {
		Tiers      map[string]string `yaml:"tiers"`
		PromoCodes map[string]string `yaml:"promo_codes"`
	} `yaml:"community"`
	Membership map[string]struct {
		Name    string `yaml:"name"`
		PriceID string `yaml:"price_id"`
		Amount  string `yaml:"amount"`
	} `yaml:"membership"`
	Coaching map[string]struct {
		Name          string `yaml:"name"`
		PriceID       string `yaml:"price_id"`
		MonthlyAmount string `yaml:"monthly_amount"`
		FullAmount    string `yaml:"full_amount"`
	} `yaml:"coaching"`
	Products map[string]struct {
		Name   string            `yaml:"name"`
		Prices map[string]string `yaml:"prices"`
		AddOns []string          `yaml:"add_ons"`
	} `yaml:"products"`
	AddOns map[string]struct {
		Name    string            `yaml:"name"`
		PriceID string            `yaml:"price_id"`
		Prices  map[string]string `yaml:"prices"`
	} `yaml:"add_ons"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var fc fileCatalog
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	c := &Catalog{
		Community: Community{
			TierPriceIDs: fc.Community.Tiers,
			PromoCodeIDs: fc.Community.PromoCodes,
		},
		Membership: make(map[string]MembershipPlan, len(fc.Membership)),
		Coaching:   make(map[string]CoachingTier, len(fc.Coaching)),
		Products:   make(map[string]Product, len(fc.Products)),
		AddOns:     make(map[string]AddOn, len(fc.AddOns)),
	}

	for key, m := range fc.Membership {
		amount, err := parseAmount(m.Amount)
		if err != nil {
			return nil, fmt.Errorf("catalog: membership %s: %w", key, err)
		}
		if m.PriceID == "" {
			return nil, fmt.Errorf("catalog: membership %s: missing price_id", key)
		}
		c.Membership[key] = MembershipPlan{Key: key, Name: m.Name, PriceID: m.PriceID, Amount: amount}
	}

	for key, t := range fc.Coaching {
		monthly, err := parseAmount(t.MonthlyAmount)
		if err != nil {
			return nil, fmt.Errorf("catalog: coaching %s monthly_amount: %w", key, err)
		}
		full, err := parseAmount(t.FullAmount)
		if err != nil {
			return nil, fmt.Errorf("catalog: coaching %s full_amount: %w", key, err)
		}
		c.Coaching[key] = CoachingTier{Key: key, Name: t.Name, PriceID: t.PriceID, MonthlyAmount: monthly, FullAmount: full}
	}

	for key, a := range fc.AddOns {
		prices, err := parsePrices(a.Prices)
		if err != nil {
			return nil, fmt.Errorf("catalog: add-on %s: %w", key, err)
		}
		c.AddOns[key] = AddOn{Key: key, Name: a.Name, PriceID: a.PriceID, Prices: prices}
	}

	for key, p := range fc.Products {
		prices, err := parsePrices(p.Prices)
		if err != nil {
			return nil, fmt.Errorf("catalog: product %s: %w", key, err)
		}
		for _, addOn := range p.AddOns {
			if _, ok := c.AddOns[addOn]; !ok {
				return nil, fmt.Errorf("catalog: product %s references unknown add-on %s", key, addOn)
			}
		}
		c.Products[key] = Product{Key: key, Name: p.Name, Prices: prices, AddOns: p.AddOns}
	}

	return c, nil
}

func parsePrices(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for currency, value := range raw {
		amount, err := parseAmount(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", currency, err)
		}
		out[strings.ToLower(currency)] = amount
	}
	return out, nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", value)
	}
	return amount, nil
}

// MinorUnits converts a major-unit amount into the processor's smallest
// currency unit (cents).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts processor minor units back to a major-unit amount.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
