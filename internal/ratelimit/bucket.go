// Package ratelimit holds the token-bucket and lifetime-cap arithmetic applied
// to delegated keys. Time is measured in slots.
package ratelimit

import (
	"fmt"
	"math"

	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/holiman/uint256"
)

// Bucket refills linearly from 0 to Capacity over RefillPeriod slots.
// A zero Capacity means the bucket is not configured and never has tokens.
type Bucket struct {
	Capacity     uint64
	RefillPeriod uint64
	Level        uint64
	LastUpdate   uint64
}

// NewBucket returns a full bucket anchored at slot now.
func NewBucket(capacity, refillPeriod, now uint64) Bucket {
	return Bucket{
		Capacity:     capacity,
		RefillPeriod: refillPeriod,
		Level:        capacity,
		LastUpdate:   now,
	}
}

func (b Bucket) Configured() bool {
	return b.Capacity > 0
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// refilled returns the level the bucket would hold at slot now.
func (b Bucket) refilled(now uint64) uint64 {
	if b.Capacity == 0 {
		return 0
	}
	level := b.Level
	if level > b.Capacity {
		level = b.Capacity
	}
	elapsed := saturatingSub(now, b.LastUpdate)
	if elapsed >= b.RefillPeriod {
		return b.Capacity
	}

	refill := new(uint256.Int).Mul(uint256.NewInt(b.Capacity), uint256.NewInt(elapsed))
	refill.Div(refill, uint256.NewInt(b.RefillPeriod))
	// refill < capacity here because elapsed < refill period.
	next := level + refill.Uint64()
	if next < level || next > b.Capacity {
		return b.Capacity
	}
	return next
}

// AvailableNow reports how many tokens could be consumed at slot now without
// mutating the bucket.
func (b Bucket) AvailableNow(now uint64) uint64 {
	return b.refilled(now)
}

// ConsumeRateLimit refills the bucket up to slot now and takes amount from it.
// The bucket is only modified when the call succeeds.
func ConsumeRateLimit(b *Bucket, amount, now uint64) error {
	level := b.refilled(now)
	if level < amount {
		return errs.Wrap(errs.RateLimitExceeded, "requested %d, available %d", amount, level)
	}
	b.Level = level - amount
	if now > b.LastUpdate {
		b.LastUpdate = now
	}
	return nil
}

// ConsumeTotalLimit adds amount to a lifetime counter and returns the new
// counter. A zero limit disables the cap; the counter then saturates instead of
// failing.
func ConsumeTotalLimit(used, limit, amount uint64) (uint64, error) {
	if limit == 0 {
		if used > math.MaxUint64-amount {
			return math.MaxUint64, nil
		}
		return used + amount, nil
	}
	if used > math.MaxUint64-amount {
		return used, fmt.Errorf("%w: counter overflow", errs.TotalLimitExceeded)
	}
	next := used + amount
	if next > limit {
		return used, errs.Wrap(errs.TotalLimitExceeded, "used %d + %d exceeds %d", used, amount, limit)
	}
	return next, nil
}
