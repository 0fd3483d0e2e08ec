package ioready

import (
	"testing"
	"time"
)

func TestTimeoutMillis(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int
	}{
		{-1, -1},
		{0, 0},
		{500 * time.Microsecond, 1},
		{5 * time.Millisecond, 5},
		{time.Second, 1000},
	}
	for _, c := range cases {
		if got := timeoutMillis(c.in); got != c.want {
			t.Errorf("timeoutMillis(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}
