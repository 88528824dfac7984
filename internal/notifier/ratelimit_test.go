package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	// S4 shape: 2 per minute with a burst of 1 yields exactly three
	// tokens across the first minute.
	tb := NewTokenBucket(2, 1)

	assert.True(t, tb.Consume())
	assert.False(t, tb.Consume())

	tb.refill(time.Now().Add(30 * time.Second))
	assert.True(t, tb.Consume())
	assert.False(t, tb.Consume())

	tb.refill(time.Now().Add(60 * time.Second))
	assert.True(t, tb.Consume())
	assert.False(t, tb.Consume())
}

func TestTokenBucketCapacityClamps(t *testing.T) {
	tb := NewTokenBucket(60, 5)

	// A long idle period refills to capacity, not beyond.
	tb.refill(time.Now().Add(time.Hour))
	for i := 0; i < 5; i++ {
		assert.True(t, tb.Consume(), "token %d", i)
	}
	assert.False(t, tb.Consume())
}

func TestTokenBucketRefund(t *testing.T) {
	tb := NewTokenBucket(1, 1)

	assert.True(t, tb.Consume())
	tb.Refund()
	assert.True(t, tb.Consume())
	assert.False(t, tb.Consume())
}

func TestTokenBucketClockSkew(t *testing.T) {
	tb := NewTokenBucket(1, 1)

	assert.True(t, tb.Consume())
	// A backwards clock step must not mint tokens.
	tb.refill(time.Now().Add(-time.Hour))
	assert.False(t, tb.Consume())
}
