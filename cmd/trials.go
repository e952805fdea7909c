package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	trialsLimit int
	trialsBest  bool
)

var trialsCmd = &cobra.Command{
	Use:   "trials <job-id>",
	Short: "List the evaluated policies of a study",
	Long:  `Reads the trial database of the --config settings and lists a study's evaluations in order.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTrials,
}

func init() {
	trialsCmd.Flags().IntVar(&trialsLimit, "limit", 0, "Show at most N trials (0 = all)")
	trialsCmd.Flags().BoolVar(&trialsBest, "best", false, "Show the parameters of the best trial")
	rootCmd.AddCommand(trialsCmd)
}

func runTrials(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	trials, err := openTrials(cfg)
	if err != nil {
		return err
	}
	defer trials.Close()

	ctx := context.Background()

	if trialsBest {
		best, err := trials.Best(ctx, jobID)
		if err != nil {
			return err
		}
		fmt.Printf("Evaluation %d (%s), loss %.6g\n\n", best.Evaluation, best.FolderID, best.Loss)
		printParams(best.Params)
		return nil
	}

	list, err := trials.List(ctx, jobID, trialsLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Printf("No trials recorded for %s.\n", jobID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVAL\tFOLDER\tLOSS\tRUN TIME\tFINISHED")
	for _, t := range list {
		loss := "failed"
		if !t.Failed && !math.IsInf(t.Loss, 1) {
			loss = fmt.Sprintf("%.6g", t.Loss)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			t.Evaluation,
			t.FolderID,
			loss,
			t.RunTime.Round(time.Second),
			t.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	total, failed, err := trials.Count(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d trial(s), %d failed\n", total, failed)
	return nil
}
