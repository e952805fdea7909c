package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus is the subset of the status and listing responses shown here.
type jobStatus struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Config struct {
		ConfigPath  string `json:"configPath"`
		Algorithm   string `json:"algorithm"`
		Evaluations int    `json:"evaluations"`
		Seed        int64  `json:"seed"`
		Hypervolume bool   `json:"hypervolume"`
		Profile     string `json:"profile"`
	} `json:"config"`
	BestParams  map[string]float64 `json:"bestParams"`
	BestLoss    *float64           `json:"bestLoss"`
	Evaluations int                `json:"evaluations"`
	Failures    int                `json:"failures"`
	Cached      int                `json:"cached"`
	Resumed     bool               `json:"resumed"`
	Elapsed     float64            `json:"elapsed"`
	RunsPerHour float64            `json:"runsPerHour"`
	Error       string             `json:"error"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func fetchJSON(url string, v any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(url string) error {
	var jobs []jobStatus
	if _, err := fetchJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATE\tALGORITHM\tEVALUATIONS\tBEST LOSS")
	for _, job := range jobs {
		best := "-"
		if len(job.BestParams) > 0 && job.BestLoss != nil {
			best = fmt.Sprintf("%.6g", *job.BestLoss)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			job.ID, job.State, job.Config.Algorithm, job.Evaluations, job.Config.Evaluations, best)
	}
	w.Flush()
	return nil
}

func getJobStatus(url, jobID string) error {
	var status jobStatus
	code, err := fetchJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Job: %s\n", status.ID)
	fmt.Printf("State: %s\n", status.State)
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Settings: %s\n", status.Config.ConfigPath)
	fmt.Printf("  Algorithm: %s\n", status.Config.Algorithm)
	fmt.Printf("  Budget: %d\n", status.Config.Evaluations)
	fmt.Printf("  Seed: %d\n", status.Config.Seed)
	if status.Config.Hypervolume {
		fmt.Println("  Scoring: hypervolume")
	} else if status.Config.Profile != "" {
		fmt.Printf("  Scoring: weighted (%s)\n", status.Config.Profile)
	}
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Evaluations: %d (%d failed, %d cached)\n", status.Evaluations, status.Failures, status.Cached)
	if status.BestLoss != nil {
		fmt.Printf("  Best Loss: %.6g\n", *status.BestLoss)
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Second))
	if status.RunsPerHour > 0 {
		fmt.Printf("  Throughput: %.1f runs/hour\n", status.RunsPerHour)
	}

	if len(status.BestParams) > 0 {
		fmt.Println()
		printParams(status.BestParams)
	}

	if status.Error != "" {
		fmt.Printf("\nError: %s\n", status.Error)
	}

	return nil
}
