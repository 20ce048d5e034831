package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: time.Second, Max: 30 * time.Second})

	assert.Equal(t, time.Second, b.Delay())

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Fail(), "failure %d", i+1)
		assert.Equal(t, i+1, b.Failures())
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: 100 * time.Millisecond, Max: time.Second})
	b.Fail()
	b.Fail()

	b.Reset()
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, 100*time.Millisecond, b.Delay())
	assert.Equal(t, 200*time.Millisecond, b.Fail())
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	assert.Equal(t, DefaultBackoffBase, b.Delay())

	for i := 0; i < 100; i++ {
		b.Fail()
	}
	assert.Equal(t, DefaultBackoffMax, b.Delay())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: time.Second, Max: 30 * time.Second, Jitter: 0.25})

	d := b.Fail()
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.LessOrEqual(t, d, 2500*time.Millisecond)
}
