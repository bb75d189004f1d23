package example

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Property: send_time more than min_delay past batch_start delays the
// batch instead of running it now, per scenario S5.
func TestIsDelayedSend(t *testing.T) {
	cases := []struct {
		name       string
		sendTime   int64
		batchStart int64
		minDelay   int
		want       bool
	}{
		{"far future beyond min_delay delays", 5000, 1000, 3600, true},
		{"within min_delay runs now", 2000, 1000, 3600, false},
		{"exactly at the boundary runs now", 4600, 1000, 3600, false},
		{"zero send_time runs now", 0, 1000, 3600, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, isDelayedSend(c.sendTime, c.batchStart, c.minDelay))
		})
	}
}
