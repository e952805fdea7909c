package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/experiment"
	"github.com/cwbudde/bistroopt/internal/kpi"
)

var inputsOut string

var inputsCmd = &cobra.Command{
	Use:   "inputs",
	Short: "Write the simulator inputs of a policy",
	Long: `Writes the five submission input files for the policy in --params to --out
without running the simulator.`,
	RunE: runInputs,
}

func init() {
	inputsCmd.Flags().StringVar(&paramsPath, "params", "", "YAML file of parameter values (required)")
	inputsCmd.Flags().StringVar(&inputsOut, "out", "submission-inputs", "Output directory")
	inputsCmd.Flags().BoolVar(&repair, "repair", false, "Repair constraint violations instead of rejecting them")
	inputsCmd.MarkFlagRequired("params")

	rootCmd.AddCommand(inputsCmd)
}

// unscored stands in for the scorer when no simulator output is read.
type unscored struct{}

func (unscored) Score(int, kpi.Scores) (float64, error) {
	return 0, errors.New("scoring is not available when only writing inputs")
}

func runInputs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	params, err := readParams(paramsPath)
	if err != nil {
		return err
	}

	exp, err := experiment.New(cfg, experiment.Options{Scorer: unscored{}})
	if err != nil {
		return err
	}
	if err := checkParams(exp.Space(), params, repair); err != nil {
		return err
	}
	if err := exp.WriteInputs(inputsOut, params); err != nil {
		return fmt.Errorf("failed to write inputs: %w", err)
	}

	fmt.Printf("Wrote inputs to %s\n", inputsOut)
	return nil
}
