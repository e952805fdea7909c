package experiment

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/cwbudde/bistroopt/internal/pareto"
)

// Scorer turns the raw KPIs of the given sample into a loss.
type Scorer interface {
	Score(sample int, raw kpi.Scores) (float64, error)
}

// weighted adapts kpi.WeightedScorer, which does not depend on the sample.
type weighted struct {
	*kpi.WeightedScorer
}

func (w weighted) Score(_ int, raw kpi.Scores) (float64, error) {
	return w.WeightedScorer.Score(raw)
}

// NewScorer builds the configured scorer. Hypervolume scoring persists its
// frontier under archiveDir.
func NewScorer(cfg *config.Config, archiveDir string) (Scorer, error) {
	standards, err := kpi.LoadStandards(cfg.Scoring.StandardsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load standards: %w", err)
	}

	if cfg.Scoring.Hypervolume {
		factor := cfg.Scoring.ReferenceFactor
		if factor <= 0 {
			factor = pareto.DefaultReferenceFactor
		}
		slog.Info("Using hypervolume scoring", "archive_dir", archiveDir, "reference_factor", factor)
		return &pareto.HypervolumeScorer{
			Archive:   &pareto.Archive{Dir: archiveDir},
			Standards: standards,
			BAUPath:   cfg.Scoring.ScoringWeightsPath,
			Factor:    factor,
		}, nil
	}

	weights := kpi.Profile(cfg.Scoring.Weights)
	if len(weights) == 0 {
		if weights, err = kpi.LookupProfile(cfg.Scoring.Profile); err != nil {
			return nil, err
		}
	}
	slog.Info("Using weighted scoring", "profile", cfg.Scoring.Profile, "kpis", len(weights))
	return weighted{&kpi.WeightedScorer{Weights: weights, Standards: standards}}, nil
}
