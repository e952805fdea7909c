package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/bistroopt/internal/experiment"
)

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Print the search space of the study",
	RunE:  runSpace,
}

func init() {
	rootCmd.AddCommand(spaceCmd)
}

func runSpace(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	exp, err := experiment.New(cfg, experiment.Options{Scorer: unscored{}})
	if err != nil {
		return err
	}
	sp := exp.Space()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tLOW\tHIGH\tSTEP")
	for _, p := range sp.Params {
		step := "-"
		if p.Step > 0 {
			step = fmt.Sprintf("%g", p.Step)
		}
		fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%s\n", p.Name, p.Kind, p.Low, p.High, step)
	}
	w.Flush()

	fmt.Printf("\n%d parameter(s), %d constraint(s)\n", sp.Dim(), len(sp.Constraints))
	for _, c := range sp.Constraints {
		fmt.Printf("  %+v\n", c)
	}
	return nil
}
