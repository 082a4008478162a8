package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffBounds(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		r := r
		b := &Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2, Rand: func() float64 { return r }}
		for n := 1; n <= 10; n++ {
			d := b.Next()
			raw := time.Second << (n - 1)
			capped := raw
			if capped > 30*time.Second {
				capped = 30 * time.Second
			}
			assert.GreaterOrEqual(t, d, capped, "attempt %d", n)
			assert.LessOrEqual(t, d, time.Duration(float64(capped)*1.2), "attempt %d", n)
			assert.Equal(t, n, b.Attempt())
		}
	}
}

func TestBackoffSequenceAndReset(t *testing.T) {
	b := &Backoff{Base: time.Second, Cap: 30 * time.Second, Rand: func() float64 { return 0 }}
	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffLargeAttemptStaysCapped(t *testing.T) {
	b := &Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.5, Rand: func() float64 { return 1 }}
	for i := 0; i < 100; i++ {
		b.Next()
	}
	assert.Equal(t, 45*time.Second, b.Next())
}

func TestUniform(t *testing.T) {
	assert.Equal(t, time.Duration(0), uniform(nil, 0))
	assert.Equal(t, time.Second, uniform(func() float64 { return 0.5 }, 2*time.Second))
}
