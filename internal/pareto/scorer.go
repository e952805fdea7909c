package pareto

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/google/go-cmp/cmp"
)

// DefaultReferenceFactor scales the BAU vector into the hypervolume
// reference point.
const DefaultReferenceFactor = 5.0

// HypervolumeScorer scores each run by how much it grows the dominated
// hypervolume of the persisted frontier. Calls are serialised.
type HypervolumeScorer struct {
	Archive   *Archive
	Standards kpi.Standards
	// BAUPath is a scoringWeights.csv file. BAU, when set, takes precedence.
	BAUPath string
	BAU     kpi.Scores
	Factor  float64

	mu sync.Mutex
}

// Score standardizes raw, inserts it into the frontier, persists the archive
// and returns the negated hypervolume against Factor x BAU.
func (s *HypervolumeScorer) Score(iteration int, raw kpi.Scores) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	std := kpi.Standardize(raw, s.Standards)
	names := std.Names()
	candidate, err := std.Vector(names)
	if err != nil {
		return 0, err
	}

	front, err := s.Archive.LoadFront()
	if err != nil {
		return 0, err
	}
	if front.Names == nil {
		front = NewFront(names)
	} else if !cmp.Equal(front.Names, names) {
		return 0, fmt.Errorf("run reports KPIs %v, frontier has %v", names, front.Names)
	}

	added, err := front.Insert(Point{Iteration: iteration, Values: candidate})
	if err != nil {
		return 0, err
	}
	if err := s.Archive.SaveFront(front); err != nil {
		return 0, fmt.Errorf("failed to save frontier: %w", err)
	}

	bau, err := s.bau(names)
	if err != nil {
		return 0, err
	}
	factor := s.Factor
	if factor == 0 {
		factor = DefaultReferenceFactor
	}
	ref := make([]float64, len(bau))
	for i, v := range bau {
		ref[i] = v * factor
	}

	hv, err := Hypervolume(front.Vectors(), ref)
	if err != nil {
		return 0, err
	}
	score := -hv

	if err := s.Archive.AppendObjective(iteration, score); err != nil {
		return 0, fmt.Errorf("failed to record objective: %w", err)
	}
	if err := s.Archive.AppendBest(iteration, front, bau); err != nil {
		return 0, fmt.Errorf("failed to record best KPIs: %w", err)
	}

	slog.Info("Frontier updated",
		"iteration", iteration,
		"added", added,
		"front_size", front.Len(),
		"hypervolume", hv,
	)
	return score, nil
}

func (s *HypervolumeScorer) bau(names []string) ([]float64, error) {
	values := s.BAU
	if values == nil {
		if s.BAUPath == "" {
			return nil, fmt.Errorf("no BAU values configured")
		}
		loaded, err := kpi.LoadBAU(s.BAUPath, names)
		if err != nil {
			return nil, err
		}
		values = loaded
	}

	out := make([]float64, len(names))
	for i, n := range names {
		v, ok := values[n]
		if !ok {
			v = 1.0
		}
		out[i] = v
	}
	return out, nil
}
