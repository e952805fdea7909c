package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/kpi"
)

var standardsOut string

var standardsCmd = &cobra.Command{
	Use:   "standards <run-dir>...",
	Short: "Compute KPI standardization parameters",
	Long: `Reads the raw scores of finished BEAM runs and writes the mean and standard
deviation of every KPI as a kpi,mean,std CSV. The output defaults to the
standards path of the --config settings.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStandards,
}

func init() {
	standardsCmd.Flags().StringVar(&standardsOut, "out", "", "Output CSV path")
	rootCmd.AddCommand(standardsCmd)
}

func runStandards(cmd *cobra.Command, args []string) error {
	out := standardsOut
	if out == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out = cfg.Scoring.StandardsPath
	}

	samples := make([]kpi.Scores, 0, len(args))
	for _, runDir := range args {
		scores, err := kpi.ReadRawScores(runDir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", runDir, err)
		}
		samples = append(samples, scores)
	}

	standards := kpi.ComputeStandards(samples)
	if err := standards.Save(out); err != nil {
		return err
	}

	slog.Info("Wrote standards", "path", out, "runs", len(samples), "kpis", len(standards))
	fmt.Printf("Wrote %d KPI standards from %d run(s) to %s\n", len(standards), len(samples), out)
	return nil
}
