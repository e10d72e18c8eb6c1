package operation

import (
	"math"
	"time"
)

// Advance recomputes derived progress fields from the processed counts and the
// time spent processing so far.
func (p *Progress) Advance(completed, failed int, elapsed time.Duration) {
	p.Completed = completed
	p.Failed = failed

	done := completed + failed
	if p.Total > 0 {
		p.Percentage = math.Round(float64(done)/float64(p.Total)*10000) / 100
	} else {
		p.Percentage = 100
	}

	if elapsed > 0 && done > 0 {
		p.ItemsPerSecond = float64(done) / elapsed.Seconds()
		remaining := p.Total - done
		if remaining > 0 && p.ItemsPerSecond > 0 {
			p.EstimatedRemaining = time.Duration(float64(remaining) / p.ItemsPerSecond * float64(time.Second))
		} else {
			p.EstimatedRemaining = 0
		}
	}
}

func (p *Progress) Finish(phase Phase) {
	p.Phase = phase
	p.EstimatedRemaining = 0
	if phase == CompletePhase {
		p.Percentage = 100
	}
}
