package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/pareto"
	"github.com/cwbudde/bistroopt/internal/store"
)

var frontierJob string

var frontierCmd = &cobra.Command{
	Use:   "frontier [dir]",
	Short: "Show the Pareto frontier of a hypervolume study",
	Long: `Prints the non-dominated KPI vectors and the objective history archived in dir.
With --job the archive of that study below the storage data directory is read;
without either, the results path of the --config settings is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFrontier,
}

func init() {
	frontierCmd.Flags().StringVar(&frontierJob, "job", "", "Read the archive of this study")
	rootCmd.AddCommand(frontierCmd)
}

func runFrontier(cmd *cobra.Command, args []string) error {
	dir, err := frontierDir(args)
	if err != nil {
		return err
	}

	archive := &pareto.Archive{Dir: dir}
	front, err := archive.LoadFront()
	if err != nil {
		return err
	}
	if front.Len() == 0 {
		fmt.Printf("No frontier in %s.\n", dir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ITERATION\t%s\n", strings.Join(front.Names, "\t"))
	for _, p := range front.Points {
		cells := make([]string, len(p.Values))
		for i, v := range p.Values {
			cells[i] = fmt.Sprintf("%.4f", v)
		}
		fmt.Fprintf(w, "%d\t%s\n", p.Iteration, strings.Join(cells, "\t"))
	}
	w.Flush()
	fmt.Printf("\n%d point(s) on the frontier\n", front.Len())

	objectives, err := archive.LoadObjectives()
	if err != nil {
		return err
	}
	if n := len(objectives); n > 0 {
		last := objectives[n-1]
		fmt.Printf("Hypervolume after iteration %d: %.6g\n", last.Iteration, last.Score)
	}
	return nil
}

func frontierDir(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if frontierJob == "" {
		return cfg.Output.ResultsPath, nil
	}
	fs, err := store.NewFSStore(cfg.Storage.DataDir)
	if err != nil {
		return "", err
	}
	return fs.JobDir(frontierJob), nil
}
