package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/tools"
)

var clockLogger = logrus.WithField("tool", "clock")

// ClockTool reports the current date and time, optionally in a named IANA
// timezone such as "Asia/Tokyo".
type ClockTool struct {
	now func() time.Time
}

func NewClockTool() *ClockTool {
	clockLogger.Debug("Initializing clock tool")
	return &ClockTool{now: time.Now}
}

// NewClockToolAt creates a clock tool that reads time from now.
func NewClockToolAt(now func() time.Time) *ClockTool {
	return &ClockTool{now: now}
}

func (c *ClockTool) Description() string {
	return "Report the current date and time. Input: an IANA timezone name (e.g. 'Europe/Paris'), or empty for the server's local time."
}

func (c *ClockTool) Name() string {
	return "clock"
}

func (c *ClockTool) Call(ctx context.Context, input string) (string, error) {
	toolLogger := clockLogger.WithField("input", input)
	toolLogger.Debug("Clock tool called")

	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := c.now()
	zone := strings.TrimSpace(input)
	if zone != "" {
		location, err := time.LoadLocation(zone)
		if err != nil {
			toolLogger.WithError(err).Warn("Unknown timezone, using local time")
			return fmt.Sprintf("Unknown timezone %q. Local time is %s.", zone, now.Format("Monday, January 2, 2006 15:04 MST")), nil
		}
		now = now.In(location)
	}

	output := fmt.Sprintf("Current time: %s (%s)", now.Format("Monday, January 2, 2006 15:04 MST"), now.Format(time.RFC3339))
	toolLogger.WithFields(logrus.Fields{
		"timezone": zone,
		"output":   output,
	}).Debug("Clock tool completed")

	return output, nil
}

var _ tools.Tool = (*ClockTool)(nil)
