package coordinator

import (
	"github.com/nadmax/calbulk/internal/memory"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/queue"
	"github.com/nadmax/calbulk/internal/state"
)

type RateLimitStatus struct {
	Rate   float64 `json:"rate"`
	Tokens float64 `json:"tokens"`
}

// Status is the payload of QUEUE_STATUS events and the queue status endpoint.
type Status struct {
	Active      []*operation.Operation `json:"active"`
	Queued      []*operation.Operation `json:"queued"`
	Paused      []*operation.Operation `json:"paused"`
	Health      queue.Health           `json:"health"`
	RateLimit   RateLimitStatus        `json:"rateLimit"`
	Memory      memory.Stats           `json:"memory"`
	Subscribers int                    `json:"subscribers"`
}

type StateSyncData struct {
	Restored int    `json:"restored"`
	Status   Status `json:"status"`
}

func (c *Coordinator) QueueStatus() Status {
	s := Status{
		Active: summaries(c.queue.Active()),
		Queued: summaries(c.queue.Queued()),
		Paused: summaries(c.queue.Held()),
		Health: c.queue.Health(c.concurrencyLimit()),
	}
	if c.limiter != nil {
		ls := c.limiter.State()
		s.RateLimit = RateLimitStatus{Rate: ls.Rate, Tokens: ls.Tokens}
	}
	if c.mem != nil {
		s.Memory = c.mem.Stats()
	}
	if c.broadcaster != nil {
		s.Subscribers = c.broadcaster.Count()
	}

	return s
}

// snapshot captures everything a restart needs.
func (c *Coordinator) snapshot() *state.Snapshot {
	waiting, active := c.queue.Snapshot()
	snap := &state.Snapshot{
		Queue:  waiting,
		Active: active,
	}
	if c.exec != nil {
		snap.Analytics.Chunks = c.exec.History().Stats()
	}
	if c.recovery != nil {
		snap.Analytics.Succeeded, snap.Analytics.Failed = c.recovery.Totals()
	}
	if c.limiter != nil {
		snap.RateLimit = c.limiter.State()
	}
	if c.classifier != nil {
		snap.ErrorHistory = c.classifier.History()
	}
	if c.mem != nil {
		snap.Memory = c.mem.Stats()
	}

	return snap
}

const (
	historyKeep        = 500
	historyKeepPressed = 100
	analyticsKeep      = 20
)

// cleanup releases caches under memory pressure or when a snapshot is over
// its size budget.
func (c *Coordinator) cleanup(level memory.Level) {
	dropped := c.queue.DropItemCaches()

	keep := historyKeep
	if level == memory.HighPressure || level == memory.CriticalPressure {
		keep = historyKeepPressed
	}
	trimmed := 0
	if c.classifier != nil {
		trimmed = c.classifier.Trim(keep)
	}
	if c.limiter != nil {
		c.limiter.TrimHistory(analyticsKeep)
	}
	if c.exec != nil {
		c.exec.History().Trim(analyticsKeep)
	}

	c.log.Info("cleanup finished", "level", level, "item_caches", dropped, "errors_trimmed", trimmed)
}
