package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/beam"
)

var baselineCmd = &cobra.Command{
	Use:   "baseline <run-dir>",
	Short: "Turn a business-as-usual run into fixed data",
	Long: `Prepares the fixed data of a scenario from a finished BAU run directory named
<scenario>-<sample>__<timestamp>: only the last iteration with linkstats is
kept, the run is zipped as a warm start and its summary stats and linkstats
are moved below the fixed data directory of the --config settings.`,
	Args: cobra.ExactArgs(1),
	RunE: runBaseline,
}

func init() {
	rootCmd.AddCommand(baselineCmd)
}

func runBaseline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	b, err := beam.PrepareBaseline(args[0], cfg.FixedDataDir())
	if err != nil {
		return err
	}

	fmt.Printf("Scenario: %s (%s)\n", b.Scenario, b.SampleSize)
	fmt.Printf("Iteration: %d\n", b.Iteration)
	fmt.Printf("Warm start: %s\n", b.WarmStart)
	fmt.Printf("Stats: %s\n", b.Stats)
	fmt.Printf("Linkstats: %s\n", b.Linkstats)
	return nil
}
