package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrTierNotFound is returned when a tier is not present in the catalog.
var ErrTierNotFound = errors.New("tier not found")

// DailyCreditConfig describes the daily pool refill for a tier.
type DailyCreditConfig struct {
	Enabled    bool
	Amount     decimal.Decimal
	MaxBalance decimal.Decimal
}

// GrantAmount is the value the daily pool is reset to.
func (d *DailyCreditConfig) GrantAmount() decimal.Decimal {
	return decimal.Min(d.Amount, d.MaxBalance)
}

// TierConfig is the typed configuration of one plan.
type TierConfig struct {
	Name               models.Tier
	DisplayName        string
	MonthlyCredits     decimal.Decimal
	Models             []string
	DailyCredits       *DailyCreditConfig
	PriceIDs           []string
	CanPurchaseCredits bool
}

// AllowsModel reports whether model matches one of the tier's model patterns.
func (t *TierConfig) AllowsModel(model string) bool {
	name := NormalizeModel(model)
	for _, pattern := range t.Models {
		if pattern == "*" {
			return true
		}
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// NormalizeModel lowercases a model identifier and strips any routing
// prefix such as "openai/" or "models/".
func NormalizeModel(model string) string {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// TierCatalog is an immutable set of tiers indexed by name and price id.
type TierCatalog struct {
	tiers   map[models.Tier]*TierConfig
	byPrice map[string]*TierConfig
}

// NewTierCatalog validates tiers and builds a catalog.
func NewTierCatalog(tiers []TierConfig) (*TierCatalog, error) {
	c := &TierCatalog{
		tiers:   make(map[models.Tier]*TierConfig, len(tiers)),
		byPrice: make(map[string]*TierConfig),
	}
	for i := range tiers {
		t := tiers[i]
		if err := validateTier(&t); err != nil {
			return nil, err
		}
		if _, dup := c.tiers[t.Name]; dup {
			return nil, fmt.Errorf("tier %q defined twice", t.Name)
		}
		c.tiers[t.Name] = &t
		for _, id := range t.PriceIDs {
			if other, dup := c.byPrice[id]; dup {
				return nil, fmt.Errorf("price id %q used by tiers %q and %q", id, other.Name, t.Name)
			}
			c.byPrice[id] = &t
		}
	}
	return c, nil
}

func validateTier(t *TierConfig) error {
	if t.Name == "" {
		return fmt.Errorf("tier name is required")
	}
	if t.MonthlyCredits.IsNegative() {
		return fmt.Errorf("tier %q: monthly_credits must not be negative", t.Name)
	}
	for _, pattern := range t.Models {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("tier %q: bad model pattern %q: %w", t.Name, pattern, err)
		}
	}
	if d := t.DailyCredits; d != nil && d.Enabled {
		if !d.Amount.IsPositive() {
			return fmt.Errorf("tier %q: daily_credits.amount must be positive when enabled", t.Name)
		}
		if d.MaxBalance.IsZero() {
			d.MaxBalance = d.Amount
		}
		if d.MaxBalance.IsNegative() {
			return fmt.Errorf("tier %q: daily_credits.max_balance must not be negative", t.Name)
		}
	}
	return nil
}

// Get returns the tier config for name.
func (c *TierCatalog) Get(name models.Tier) (*TierConfig, error) {
	t, ok := c.tiers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTierNotFound, name)
	}
	return t, nil
}

// ByPriceID returns the tier sold under a provider price id.
func (c *TierCatalog) ByPriceID(priceID string) (*TierConfig, bool) {
	t, ok := c.byPrice[priceID]
	return t, ok
}

// AllowsModel reports whether tier may use model.
func (c *TierCatalog) AllowsModel(tier models.Tier, model string) (bool, error) {
	t, err := c.Get(tier)
	if err != nil {
		return false, err
	}
	return t.AllowsModel(model), nil
}

// Names returns the configured tier names in sorted order.
func (c *TierCatalog) Names() []models.Tier {
	names := make([]models.Tier, 0, len(c.tiers))
	for name := range c.tiers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// DefaultTiers is the built-in catalog used when TIER_CONFIG_PATH is empty.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			Name:        models.TierNone,
			DisplayName: "No plan",
		},
		{
			Name:        models.TierFree,
			DisplayName: "Free",
			Models:      []string{"gpt-4o-mini*", "claude-3-5-haiku*", "llama-3.1-8b*", "mock", "test-model"},
			DailyCredits: &DailyCreditConfig{
				Enabled:    true,
				Amount:     decimal.RequireFromString("0.05"),
				MaxBalance: decimal.RequireFromString("0.05"),
			},
		},
		{
			Name:               models.TierStarter,
			DisplayName:        "Starter",
			MonthlyCredits:     decimal.NewFromInt(10),
			Models:             []string{"gpt-4o*", "claude-3-5-*", "llama-*", "mock", "test-model"},
			CanPurchaseCredits: true,
			DailyCredits: &DailyCreditConfig{
				Enabled:    true,
				Amount:     decimal.RequireFromString("0.10"),
				MaxBalance: decimal.RequireFromString("0.10"),
			},
			PriceIDs: []string{"price_starter_monthly"},
		},
		{
			Name:               models.TierPro,
			DisplayName:        "Pro",
			MonthlyCredits:     decimal.NewFromInt(50),
			Models:             []string{"*"},
			CanPurchaseCredits: true,
			PriceIDs:           []string{"price_pro_monthly", "price_pro_yearly"},
		},
		{
			Name:               models.TierEnterprise,
			DisplayName:        "Enterprise",
			MonthlyCredits:     decimal.NewFromInt(500),
			Models:             []string{"*"},
			CanPurchaseCredits: true,
			PriceIDs:           []string{"price_enterprise_monthly"},
		},
	}
}

// DefaultTierCatalog builds the catalog from DefaultTiers.
func DefaultTierCatalog() *TierCatalog {
	c, err := NewTierCatalog(DefaultTiers())
	if err != nil {
		panic(fmt.Sprintf("default tier catalog is invalid: %v", err))
	}
	return c
}

// tierFile mirrors the YAML layout. Money values are strings so they never
// pass through float64.
type tierFile struct {
	Tiers []tierEntry `yaml:"tiers"`
}

type tierEntry struct {
	Name               string      `yaml:"name"`
	DisplayName        string      `yaml:"display_name"`
	MonthlyCredits     string      `yaml:"monthly_credits"`
	Models             []string    `yaml:"models"`
	DailyCredits       *dailyEntry `yaml:"daily_credits"`
	PriceIDs           []string    `yaml:"price_ids"`
	CanPurchaseCredits bool        `yaml:"can_purchase_credits"`
}

type dailyEntry struct {
	Enabled    bool   `yaml:"enabled"`
	Amount     string `yaml:"amount"`
	MaxBalance string `yaml:"max_balance"`
}

// LoadTierCatalog reads the catalog from a YAML file, or returns the
// built-in catalog when path is empty.
func LoadTierCatalog(path string) (*TierCatalog, error) {
	if path == "" {
		return DefaultTierCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier config %s: %w", path, err)
	}
	c, err := ParseTierCatalog(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse tier config %s: %w", path, err)
	}
	return c, nil
}

// ParseTierCatalog decodes a YAML tier document. Unknown fields are errors.
func ParseTierCatalog(r io.Reader) (*TierCatalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file tierFile
	if err := dec.Decode(&file); err != nil {
		return nil, err
	}
	if len(file.Tiers) == 0 {
		return nil, fmt.Errorf("no tiers defined")
	}

	tiers := make([]TierConfig, 0, len(file.Tiers))
	for _, e := range file.Tiers {
		t := TierConfig{
			Name:               models.Tier(strings.TrimSpace(e.Name)),
			DisplayName:        e.DisplayName,
			Models:             e.Models,
			PriceIDs:           e.PriceIDs,
			CanPurchaseCredits: e.CanPurchaseCredits,
		}
		if t.DisplayName == "" {
			t.DisplayName = string(t.Name)
		}
		monthly, err := parseAmount(e.MonthlyCredits)
		if err != nil {
			return nil, fmt.Errorf("tier %q: monthly_credits: %w", e.Name, err)
		}
		t.MonthlyCredits = monthly

		if e.DailyCredits != nil {
			amount, err := parseAmount(e.DailyCredits.Amount)
			if err != nil {
				return nil, fmt.Errorf("tier %q: daily_credits.amount: %w", e.Name, err)
			}
			maxBalance, err := parseAmount(e.DailyCredits.MaxBalance)
			if err != nil {
				return nil, fmt.Errorf("tier %q: daily_credits.max_balance: %w", e.Name, err)
			}
			t.DailyCredits = &DailyCreditConfig{
				Enabled:    e.DailyCredits.Enabled,
				Amount:     amount,
				MaxBalance: maxBalance,
			}
		}
		tiers = append(tiers, t)
	}
	return NewTierCatalog(tiers)
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
