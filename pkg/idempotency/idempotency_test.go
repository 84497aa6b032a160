package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedGenerator(at *time.Time) *Generator {
	g := NewGenerator(time.Hour)
	g.now = func() time.Time { return *at }
	return g
}

func TestGenerate_StableWithinBucket(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
	g := fixedGenerator(&now)

	first := g.Generate("checkout", "acct_1", "price_123")
	now = now.Add(40 * time.Minute)
	second := g.Generate("checkout", "acct_1", "price_123")

	assert.Equal(t, first, second)
	assert.Contains(t, first, "checkout_")
}

func TestGenerate_RotatesAcrossBuckets(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
	g := fixedGenerator(&now)

	first := g.Generate("checkout", "acct_1", "price_123")
	now = now.Add(2 * time.Hour)

	assert.NotEqual(t, first, g.Generate("checkout", "acct_1", "price_123"))
}

func TestGenerate_ArgumentOrderDoesNotMatter(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
	g := fixedGenerator(&now)

	assert.Equal(t,
		g.Generate("refund", "acct_1", "pi_1", "500"),
		g.Generate("refund", "acct_1", "500", "pi_1"),
	)
}

func TestGenerate_DistinguishesInputs(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
	g := fixedGenerator(&now)

	base := g.Generate("checkout", "acct_1", "price_123")
	assert.NotEqual(t, base, g.Generate("checkout", "acct_2", "price_123"))
	assert.NotEqual(t, base, g.Generate("cancel", "acct_1", "price_123"))
	assert.NotEqual(t, base, g.Generate("checkout", "acct_1", "price_456"))
	// Separators keep ("ab","c") and ("a","bc") apart.
	assert.NotEqual(t,
		g.Generate("checkout", "acct_1", "ab", "c"),
		g.Generate("checkout", "acct_1", "a", "bc"),
	)
}

func TestGenerateWithBucket(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
	g := fixedGenerator(&now)

	first := g.GenerateWithBucket("checkout", "acct_1", 5*time.Minute, "price_123")
	now = now.Add(10 * time.Minute)
	assert.NotEqual(t, first, g.GenerateWithBucket("checkout", "acct_1", 5*time.Minute, "price_123"))
	assert.Equal(t, g.Generate("checkout", "acct_1", "price_123"), g.GenerateWithBucket("checkout", "acct_1", 0, "price_123"))
}

func TestGenerateWithBucket_SubSecond(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 5, 0, 100*int(time.Millisecond), time.UTC)
	g := fixedGenerator(&now)

	var first string
	assert.NotPanics(t, func() {
		first = g.GenerateWithBucket("refresh", "acct_1", 500*time.Millisecond)
	})
	now = now.Add(300 * time.Millisecond)
	assert.Equal(t, first, g.GenerateWithBucket("refresh", "acct_1", 500*time.Millisecond))
	now = now.Add(300 * time.Millisecond)
	assert.NotEqual(t, first, g.GenerateWithBucket("refresh", "acct_1", 500*time.Millisecond))
}
