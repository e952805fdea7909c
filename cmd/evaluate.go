package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/bistroopt/internal/experiment"
	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/cwbudde/bistroopt/internal/space"
)

var (
	paramsPath string
	repair     bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Simulate and score a single policy",
	Long: `Writes the policy in --params as simulator inputs, runs BEAM once and prints
the resulting KPIs and loss. The params file is a YAML mapping from parameter
name to value, e.g. "ctoll0: 2.5".`,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVar(&paramsPath, "params", "", "YAML file of parameter values (required)")
	evaluateCmd.Flags().BoolVar(&repair, "repair", false, "Repair constraint violations instead of rejecting them")
	evaluateCmd.MarkFlagRequired("params")

	rootCmd.AddCommand(evaluateCmd)
}

func readParams(path string) (space.Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read params: %w", err)
	}
	var params space.Params
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse params %s: %w", path, err)
	}
	return params, nil
}

// checkParams rejects points that miss a parameter or violate a
// constraint. With allowRepair, violations are repaired in place instead.
func checkParams(sp *space.Space, params space.Params, allowRepair bool) error {
	err := sp.Check(params)
	if err == nil || !allowRepair || !errors.Is(err, space.ErrInfeasible) {
		return err
	}
	for _, p := range sp.Params {
		if _, ok := params[p.Name]; !ok {
			return err
		}
	}
	sp.Repair(params)
	return sp.Check(params)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	params, err := readParams(paramsPath)
	if err != nil {
		return err
	}

	var trial experiment.Trial
	capture := experiment.RecorderFunc(func(_ context.Context, t experiment.Trial) error {
		trial = t
		return nil
	})
	runLog := &experiment.RunLog{Dir: cfg.Output.ResultsPath}

	exp, err := experiment.New(cfg, experiment.Options{
		JobID:     "evaluate",
		Recorders: []experiment.Recorder{runLog, capture},
	})
	if err != nil {
		return err
	}
	if err := checkParams(exp.Space(), params, repair); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	loss, err := exp.Evaluate(ctx, params)
	if err != nil {
		return err
	}

	fmt.Printf("Folder: %s\n", trial.FolderID)
	fmt.Printf("Run time: %s\n\n", trial.RunTime.Round(time.Second))
	printScores(trial.KPIs)
	fmt.Printf("\nLoss: %.6g\n", loss)
	return nil
}

func printScores(scores kpi.Scores) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KPI\tRAW")
	for _, name := range scores.Names() {
		fmt.Fprintf(w, "%s\t%.6g\n", name, scores[name])
	}
	w.Flush()
}
