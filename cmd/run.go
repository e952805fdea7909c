package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/cwbudde/bistroopt/internal/opt"
	"github.com/cwbudde/bistroopt/internal/server"
)

var (
	algorithm          string
	evaluations        int
	seed               int64
	hypervolume        bool
	profile            string
	checkpointInterval int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an optimization study",
	Long: `Runs a study from the --config settings in the foreground. Flags override the
search section of the settings. Progress is checkpointed below the storage data
directory; an interrupted study can be continued with "bistroopt resume".`,
	RunE: runStudy,
}

func init() {
	runCmd.Flags().StringVar(&algorithm, "algorithm", "", "Optimizer: "+strings.Join(opt.Names(), ", ")+" (default from config)")
	runCmd.Flags().IntVar(&evaluations, "evaluations", 0, "Simulator evaluation budget (default from config)")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (default from config)")
	runCmd.Flags().BoolVar(&hypervolume, "hypervolume", false, "Score by Pareto hypervolume instead of a weighted sum")
	runCmd.Flags().StringVar(&profile, "profile", "", "Named weight profile for the weighted score; replaces custom weights unless it is the settings file's own profile")
	runCmd.Flags().IntVar(&checkpointInterval, "checkpoint-interval", 300, "Seconds between checkpoints (0 = only at the end)")

	rootCmd.AddCommand(runCmd)
}

func runStudy(cmd *cobra.Command, args []string) error {
	jc, cfg, err := server.ResolveJobConfig(server.JobConfig{
		ConfigPath:         configPath,
		Algorithm:          algorithm,
		Evaluations:        evaluations,
		Seed:               seed,
		Hypervolume:        hypervolume,
		Profile:            profile,
		CheckpointInterval: checkpointInterval,
	})
	if err != nil {
		return err
	}

	jm := server.NewJobManager()
	job := jm.CreateJob(jc)
	slog.Info("Starting study", "job_id", job.ID, "algorithm", jc.Algorithm, "evaluations", jc.Evaluations, "seed", jc.Seed)

	return runForeground(cfg, jm, job.ID)
}

// runForeground runs a registered job until it ends or the process is
// interrupted, then prints its outcome.
func runForeground(cfg *config.Config, jm *server.JobManager, jobID string) error {
	trials, err := openTrials(cfg)
	if err != nil {
		return err
	}
	defer trials.Close()

	runner, err := server.NewRunner(server.Options{DataDir: cfg.Storage.DataDir, Trials: trials})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	start := time.Now()
	err = runner.Run(ctx, jm, jobID)
	if errors.Is(err, context.Canceled) {
		fmt.Printf("Interrupted after %s. Continue with: bistroopt resume %s\n", time.Since(start).Round(time.Second), jobID)
		return nil
	}

	job, _ := jm.GetJob(jobID)
	printJobResult(job, time.Since(start))
	return err
}

func printJobResult(job *server.Job, elapsed time.Duration) {
	fmt.Printf("Job %s %s after %s\n", job.ID, job.State, elapsed.Round(time.Second))
	fmt.Printf("  Evaluations: %d/%d (%d failed, %d cached)\n", job.Evaluations, job.Config.Evaluations, job.Failures, job.Cached)
	if job.Error != "" {
		fmt.Printf("  Error: %s\n", job.Error)
	}
	if !job.HasResult() {
		return
	}

	fmt.Printf("  Best loss: %.6g\n\n", job.BestLoss)
	printParams(job.BestParams)
}

func printParams(params map[string]float64) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARAMETER\tVALUE")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%g\n", name, params[name])
	}
	w.Flush()
}
