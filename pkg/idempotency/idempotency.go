package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultBucket is the retry window used when a caller passes no bucket.
const DefaultBucket = time.Hour

// Generator derives deterministic idempotency keys for provider calls.
//
// Keys hash the operation, the account, the sorted arguments and a coarse
// time bucket, so retries inside the bucket reuse the key while a genuine
// repeat after the bucket rotates to a new one.
type Generator struct {
	bucket time.Duration
	now    func() time.Time
}

// NewGenerator creates a generator with the given default bucket width.
func NewGenerator(bucket time.Duration) *Generator {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	return &Generator{bucket: bucket, now: time.Now}
}

// Generate returns the key for operation on accountID with args, using the
// generator's default bucket.
func (g *Generator) Generate(operation, accountID string, args ...string) string {
	return g.GenerateWithBucket(operation, accountID, g.bucket, args...)
}

// GenerateWithBucket is Generate with an explicit bucket width.
func (g *Generator) GenerateWithBucket(operation, accountID string, bucket time.Duration, args ...string) string {
	if bucket <= 0 {
		bucket = g.bucket
	}

	sorted := make([]string, len(args))
	copy(sorted, args)
	sort.Strings(sorted)

	slot := g.now().UnixNano() / int64(bucket)

	h := sha256.New()
	for _, part := range []string{operation, accountID, strings.Join(sorted, "\x1f"), strconv.FormatInt(slot, 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return operation + "_" + hex.EncodeToString(h.Sum(nil))[:32]
}
