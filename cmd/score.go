package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/experiment"
)

var scoreCmd = &cobra.Command{
	Use:   "score <output-dir>",
	Short: "Score a finished simulator run",
	Long: `Reads the KPIs of a BEAM output directory and scores them with the --config
settings, without running the simulator. In hypervolume mode the run is
inserted into the frontier under the results path.`,
	Args: cobra.ExactArgs(1),
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	exp, err := experiment.New(cfg, experiment.Options{})
	if err != nil {
		return err
	}

	loss, scores, err := exp.ScoreExisting(args[0])
	if scores != nil {
		printScores(scores)
	}
	if err != nil {
		return err
	}
	fmt.Printf("\nLoss: %.6g\n", loss)
	return nil
}
