package experiment

import (
	"log/slog"
	"math"
)

// Convergence stops a study once Patience consecutive evaluations fail to
// improve the best loss by at least Threshold (relative). A zero Patience
// disables it.
type Convergence struct {
	Patience  int
	Threshold float64

	evaluations     int
	best            float64
	lastSignificant float64
	stale           int
}

// NewConvergence creates a tracker.
func NewConvergence(patience int, threshold float64) *Convergence {
	return &Convergence{
		Patience:        patience,
		Threshold:       threshold,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records a loss and reports whether the study has converged.
// Failed runs (+Inf) count as stale evaluations.
func (c *Convergence) Update(loss float64) bool {
	if c.Patience <= 0 {
		return false
	}
	c.evaluations++
	if loss < c.best {
		c.best = loss
	}

	if math.IsInf(c.lastSignificant, 1) {
		if !math.IsInf(loss, 1) {
			c.lastSignificant = loss
			c.stale = 0
			return false
		}
	} else if improvement(c.lastSignificant, loss) >= c.Threshold {
		c.lastSignificant = loss
		c.stale = 0
		slog.Debug("Loss improvement detected", "loss", loss, "stale_count", c.stale)
		return false
	}

	c.stale++
	slog.Debug("No significant loss improvement",
		"loss", loss,
		"last_significant", c.lastSignificant,
		"stale_count", c.stale,
		"patience", c.Patience,
	)
	if c.stale >= c.Patience {
		slog.Info("Convergence detected, stopping early",
			"stale_count", c.stale,
			"patience", c.Patience,
			"best_loss", c.best,
		)
		return true
	}
	return false
}

// improvement is the relative decrease from prev to cur. Hypervolume
// losses are negative, so the scale is |prev|.
func improvement(prev, cur float64) float64 {
	scale := math.Abs(prev)
	if scale == 0 {
		scale = 1
	}
	return (prev - cur) / scale
}

// Best returns the lowest loss seen.
func (c *Convergence) Best() float64 {
	return c.best
}

// Stale returns the number of evaluations since the last significant
// improvement.
func (c *Convergence) Stale() int {
	return c.stale
}
