// Package ui renders the HTML job dashboard.
package ui

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/a-h/templ"
)

// JobListItem is the dashboard view of one study.
type JobListItem struct {
	ID          string
	State       string
	Algorithm   string
	ConfigPath  string
	Evaluations int
	Budget      int
	Failures    int
	BestLoss    float64
	StartTime   time.Time
	EndTime     *time.Time
	Error       string
}

// Progress returns the spent share of the budget in percent.
func (j JobListItem) Progress() float64 {
	if j.Budget <= 0 {
		return 0
	}
	return math.Min(100, 100*float64(j.Evaluations)/float64(j.Budget))
}

// Elapsed returns the wall time of the job so far.
func (j JobListItem) Elapsed(now time.Time) time.Duration {
	end := now
	if j.EndTime != nil {
		end = *j.EndTime
	}
	return end.Sub(j.StartTime).Round(time.Second)
}

const pageHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>BISTRO policy search</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; width: 100%; }
th, td { padding: 0.4rem 0.8rem; border-bottom: 1px solid #ddd; text-align: left; }
.state-running { color: #1a73e8; }
.state-completed { color: #188038; }
.state-failed { color: #d93025; }
.state-cancelled { color: #80868b; }
progress { width: 8rem; }
</style>
</head>
<body>
<h1>Policy search jobs</h1>
`

const pageFoot = `</body>
</html>
`

// JobList renders the dashboard page.
func JobList(items []JobListItem) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, pageHead); err != nil {
			return err
		}
		if len(items) == 0 {
			if _, err := io.WriteString(w, "<p>No jobs yet. POST a study to /api/v1/jobs to start one.</p>\n"); err != nil {
				return err
			}
		} else if err := jobTable(items).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, pageFoot)
		return err
	})
}

func jobTable(items []JobListItem) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<table>\n<tr><th>Job</th><th>State</th><th>Algorithm</th><th>Config</th><th>Progress</th><th>Best loss</th><th>Failures</th><th>Elapsed</th></tr>\n"); err != nil {
			return err
		}
		now := time.Now()
		for _, item := range items {
			if err := jobRow(item, now).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "</table>\n")
		return err
	})
}

func jobRow(item JobListItem, now time.Time) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		best := "-"
		if item.Evaluations > item.Failures && !math.IsInf(item.BestLoss, 0) {
			best = fmt.Sprintf("%.6g", item.BestLoss)
		}

		status := templ.EscapeString(item.State)
		if item.Error != "" {
			status = fmt.Sprintf(`<span title="%s">%s</span>`, templ.EscapeString(item.Error), status)
		}

		_, err := fmt.Fprintf(w,
			"<tr><td><a href=\"/api/v1/jobs/%s/status\">%s</a></td><td class=\"state-%s\">%s</td><td>%s</td><td>%s</td>"+
				"<td><progress max=\"100\" value=\"%.0f\"></progress> %d/%d</td><td>%s</td><td>%d</td><td>%s</td></tr>\n",
			templ.EscapeString(item.ID),
			templ.EscapeString(shortID(item.ID)),
			templ.EscapeString(item.State),
			status,
			templ.EscapeString(item.Algorithm),
			templ.EscapeString(item.ConfigPath),
			item.Progress(), item.Evaluations, item.Budget,
			best,
			item.Failures,
			item.Elapsed(now),
		)
		return err
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
