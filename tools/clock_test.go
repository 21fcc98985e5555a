package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clockNow = time.Date(2024, 5, 1, 15, 4, 0, 0, time.UTC)

func TestClockToolMetadata(t *testing.T) {
	clock := NewClockTool()
	assert.Equal(t, "clock", clock.Name())
	assert.Contains(t, clock.Description(), "IANA timezone")
}

func TestClockToolCall(t *testing.T) {
	clock := NewClockToolAt(func() time.Time { return clockNow })

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"server time", "", "Current time: Wednesday, May 1, 2024 15:04 UTC (2024-05-01T15:04:00Z)"},
		{"named zone", "Asia/Tokyo", "Current time: Thursday, May 2, 2024 00:04 JST (2024-05-02T00:04:00+09:00)"},
		{"trims input", "  America/New_York\n", "Current time: Wednesday, May 1, 2024 11:04 EDT (2024-05-01T11:04:00-04:00)"},
		{"unknown zone", "Mars/Olympus", `Unknown timezone "Mars/Olympus". Local time is Wednesday, May 1, 2024 15:04 UTC.`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := clock.Call(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, output)
		})
	}
}

func TestClockToolCancelled(t *testing.T) {
	clock := NewClockToolAt(func() time.Time { return clockNow })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := clock.Call(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
