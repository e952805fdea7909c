package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/server"
	"github.com/cwbudde/bistroopt/internal/store"
)

var resumeEvaluations int

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue a study from its checkpoint",
	Long: `Loads the checkpoint of a study from the storage data directory of the --config
settings and runs the remaining evaluations. Parameter sets that were already
simulated are served from the trial database. --evaluations raises the total
budget, counting the evaluations already spent.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().IntVar(&resumeEvaluations, "evaluations", 0, "New total evaluation budget (default: the checkpoint's)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fs, err := store.NewFSStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	cp, err := fs.LoadCheckpoint(jobID)
	if err != nil {
		return err
	}

	jc := cp.Config
	if resumeEvaluations > 0 {
		jc.Evaluations = resumeEvaluations
	}
	jc, studyCfg, err := server.ResolveJobConfig(jc)
	if err != nil {
		return err
	}
	if cp.Spent() >= jc.Evaluations {
		fmt.Printf("Job %s already spent its budget of %d evaluations. Raise it with --evaluations.\n", jobID, jc.Evaluations)
		return nil
	}

	jm := server.NewJobManager()
	if _, err := jm.ResumeJob(cp, jc); err != nil {
		return err
	}
	slog.Info("Resuming study", "job_id", jobID, "evaluations", cp.Evaluations, "cached", cp.Cached, "budget", jc.Evaluations)

	// Keep running where the checkpoint was found.
	studyCfg.Storage = cfg.Storage
	return runForeground(studyCfg, jm, jobID)
}
