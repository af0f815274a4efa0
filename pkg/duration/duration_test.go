package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"90m", 90 * time.Minute, false},
		{"1h30m", time.Hour + 30*time.Minute, false},
		{"1d", Day, false},
		{"7d", 7 * Day, false},
		{"2w", 2 * Week, false},
		{"1w2d", Week + 2*Day, false},
		{"1w2d12h", Week + 2*Day + 12*time.Hour, false},
		{"720h", 720 * time.Hour, false},
		{"-2d", -2 * Day, false},
		{" 3d ", 3 * Day, false},

		{"", 0, true},
		{"soon", 0, true},
		{"3x", 0, true},
		{"d", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{90 * time.Minute, "1h30m0s"},
		{Day, "1d"},
		{8 * Day, "1w1d"},
		{Week + 2*Day + 12*time.Hour, "1w2d12h0m0s"},
		{-2 * Day, "-2d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.in))
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{0, time.Second, time.Hour, Day, Week, 30 * Day, Week + Day + time.Hour} {
		parsed, err := Parse(Format(d))
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
}
