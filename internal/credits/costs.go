package credits

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crosslogic/credits/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CostPrecision is the number of fractional digits every computed cost is
// rounded to.
const CostPrecision int32 = 6

// Usage is the token accounting of one completed operation.
type Usage struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	CacheReadTokens  int64  `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64  `json:"cache_write_tokens,omitempty"`
}

// ModelPrice is priced in USD per million tokens.
type ModelPrice struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CachedRead decimal.Decimal
	CacheWrite decimal.Decimal
}

func price(input, output, cachedRead, cacheWrite string) ModelPrice {
	return ModelPrice{
		Input:      decimal.RequireFromString(input),
		Output:     decimal.RequireFromString(output),
		CachedRead: decimal.RequireFromString(cachedRead),
		CacheWrite: decimal.RequireFromString(cacheWrite),
	}
}

// DefaultModelPrice applies to models missing from the price table.
var DefaultModelPrice = price("3.00", "15.00", "0.30", "3.75")

// DefaultModelPrices is the built-in price table, keyed by normalized model
// name or name prefix.
func DefaultModelPrices() map[string]ModelPrice {
	return map[string]ModelPrice{
		"gpt-4o":            price("2.50", "10.00", "1.25", "2.50"),
		"gpt-4o-mini":       price("0.15", "0.60", "0.075", "0.15"),
		"o1":                price("15.00", "60.00", "7.50", "15.00"),
		"o3-mini":           price("1.10", "4.40", "0.55", "1.10"),
		"claude-3-5-sonnet": price("3.00", "15.00", "0.30", "3.75"),
		"claude-3-5-haiku":  price("0.80", "4.00", "0.08", "1.00"),
		"claude-3-opus":     price("15.00", "75.00", "1.50", "18.75"),
		"gemini-1.5-pro":    price("1.25", "5.00", "0.3125", "1.25"),
		"gemini-1.5-flash":  price("0.075", "0.30", "0.01875", "0.075"),
		"llama-3.1-8b":      price("0.05", "0.08", "0.05", "0.05"),
		"llama-3.1-70b":     price("0.59", "0.79", "0.59", "0.59"),
	}
}

// CostConfig configures a CostCalculator.
type CostConfig struct {
	Prices       map[string]ModelPrice
	Default      ModelPrice
	MarkupFactor decimal.Decimal
	MinimumCost  decimal.Decimal
	FreeModels   []string
}

// CostCalculator turns token counts into a marked-up USD amount. It is pure
// and safe for concurrent use.
type CostCalculator struct {
	prices   map[string]ModelPrice
	prefixes []string
	def      ModelPrice
	markup   decimal.Decimal
	minimum  decimal.Decimal
	free     map[string]struct{}
	logger   *zap.Logger
}

// NewCostCalculator creates a calculator. A nil price table uses
// DefaultModelPrices and a zero default price uses DefaultModelPrice.
func NewCostCalculator(cfg CostConfig, logger *zap.Logger) *CostCalculator {
	prices := cfg.Prices
	if prices == nil {
		prices = DefaultModelPrices()
	}
	def := cfg.Default
	if def == (ModelPrice{}) {
		def = DefaultModelPrice
	}

	c := &CostCalculator{
		prices:  make(map[string]ModelPrice, len(prices)),
		def:     def,
		markup:  cfg.MarkupFactor,
		minimum: cfg.MinimumCost,
		free:    make(map[string]struct{}, len(cfg.FreeModels)),
		logger:  logger,
	}
	for name, p := range prices {
		key := config.NormalizeModel(name)
		c.prices[key] = p
		c.prefixes = append(c.prefixes, key)
	}
	// Longest prefix wins: "gpt-4o-mini-2024" must price as gpt-4o-mini.
	sort.Slice(c.prefixes, func(i, j int) bool {
		if len(c.prefixes[i]) != len(c.prefixes[j]) {
			return len(c.prefixes[i]) > len(c.prefixes[j])
		}
		return c.prefixes[i] < c.prefixes[j]
	})
	for _, m := range cfg.FreeModels {
		c.free[config.NormalizeModel(m)] = struct{}{}
	}
	return c
}

// IsFree reports whether model is a designated zero-cost test model.
func (c *CostCalculator) IsFree(model string) bool {
	_, ok := c.free[config.NormalizeModel(model)]
	return ok
}

// PriceFor returns the price used for model.
func (c *CostCalculator) PriceFor(model string) ModelPrice {
	name := config.NormalizeModel(model)
	if p, ok := c.prices[name]; ok {
		return p
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(name, prefix) {
			return c.prices[prefix]
		}
	}
	return c.def
}

// Compute returns the cost of u. It never fails: on any error the minimum
// cost is returned so a completed operation is never blocked by billing.
func (c *CostCalculator) Compute(u Usage) (cost decimal.Decimal) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cost computation panicked, charging minimum",
				zap.String("model", u.Model),
				zap.Any("panic", r),
			)
			cost = c.minimum
		}
	}()

	cost, err := c.compute(u)
	if err != nil {
		c.logger.Error("cost computation failed, charging minimum",
			zap.String("model", u.Model),
			zap.Int64("prompt_tokens", u.PromptTokens),
			zap.Int64("completion_tokens", u.CompletionTokens),
			zap.Error(err),
		)
		return c.minimum
	}
	return cost
}

func (c *CostCalculator) compute(u Usage) (decimal.Decimal, error) {
	if c.IsFree(u.Model) {
		return decimal.Zero, nil
	}
	if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.CacheReadTokens < 0 || u.CacheWriteTokens < 0 {
		return decimal.Zero, fmt.Errorf("negative token count")
	}
	if !c.markup.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("markup factor %s must be greater than 1", c.markup)
	}

	p := c.PriceFor(u.Model)

	regularInput := u.PromptTokens - u.CacheReadTokens - u.CacheWriteTokens
	if regularInput < 0 {
		regularInput = 0
	}

	perMillion := func(tokens int64, rate decimal.Decimal) decimal.Decimal {
		return decimal.NewFromInt(tokens).Shift(-6).Mul(rate)
	}

	cost := perMillion(regularInput, p.Input).
		Add(perMillion(u.CompletionTokens, p.Output)).
		Add(perMillion(u.CacheReadTokens, p.CachedRead)).
		Add(perMillion(u.CacheWriteTokens, p.CacheWrite))

	// Round is half away from zero, which is half-up for non-negative costs.
	return cost.Mul(c.markup).Round(CostPrecision), nil
}
