package errclass

import (
	"math"
	"time"
)

type TrendDirection string

const (
	Increasing TrendDirection = "increasing"
	Decreasing TrendDirection = "decreasing"
	Stable     TrendDirection = "stable"
)

type Trend struct {
	Window            time.Duration    `json:"window"`
	Count             int              `json:"count"`
	VelocityPerMinute float64          `json:"velocityPerMinute"`
	Direction         TrendDirection   `json:"direction"`
	PredictedNextHour int              `json:"predictedNextHour"`
	ByCategory        map[Category]int `json:"byCategory"`
}

// Trend compares the two halves of the window ending now. A half with 20% more
// errors than the other marks the trend as increasing or decreasing.
func (c *Classifier) Trend(window time.Duration) Trend {
	if window <= 0 {
		window = time.Hour
	}

	now := c.now()
	start := now.Add(-window)
	mid := now.Add(-window / 2)

	tr := Trend{Window: window, Direction: Stable, ByCategory: make(map[Category]int)}
	var early, late int

	c.mu.RLock()
	for _, cl := range c.history {
		if cl.Timestamp.Before(start) || cl.Timestamp.After(now) {
			continue
		}
		tr.Count++
		tr.ByCategory[cl.Category]++
		if cl.Timestamp.Before(mid) {
			early++
		} else {
			late++
		}
	}
	c.mu.RUnlock()

	tr.VelocityPerMinute = float64(tr.Count) / window.Minutes()
	tr.PredictedNextHour = int(math.Round(tr.VelocityPerMinute * 60))

	switch {
	case float64(late) > float64(early)*1.2 && late-early >= 2:
		tr.Direction = Increasing
	case float64(late) < float64(early)*0.8 && early-late >= 2:
		tr.Direction = Decreasing
	}

	return tr
}
