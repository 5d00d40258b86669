package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		spec   string
		count  int
		window time.Duration
	}{
		{"3/s", 3, time.Second},
		{"3/m", 3, time.Minute},
		{"100/hour", 100, time.Hour},
		{"10/day", 10, 24 * time.Hour},
		{" 5 / min", 5, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			rate, err := ParseRate(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.count, rate.Count)
			assert.Equal(t, tt.window, rate.Window)
			assert.Equal(t, tt.spec, rate.String())
		})
	}
}

func TestParseRate_Invalid(t *testing.T) {
	for _, spec := range []string{"", "3", "3/", "x/m", "0/m", "-1/m", "3/week"} {
		t.Run(spec, func(t *testing.T) {
			_, err := ParseRate(spec)
			assert.Error(t, err)
		})
	}
}
