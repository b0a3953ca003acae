package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcap/internal/jobs"
	"github.com/MrWong99/voxcap/internal/resilience"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show servers, job counts and unfinished jobs from the state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.State.Path == "" {
				return errors.New("state.path is not configured; nothing to show")
			}
			doc, err := jobs.NewFileStore(cfg.State.Path).Load()
			if err != nil {
				return err
			}
			if doc == nil {
				doc = &jobs.Document{}
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			return renderStatus(cmd.OutOrStdout(), doc, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw state document")
	return cmd
}

func renderStatus(w io.Writer, doc *jobs.Document, now time.Time) error {
	servers := make([][]string, 0, len(doc.Servers))
	for _, s := range doc.Servers {
		servers = append(servers, []string{
			s.URL,
			strconv.FormatBool(s.IsHealthy),
			fmt.Sprintf("%d (%d in a row)", s.FailureCount, s.ConsecutiveFailures),
			backoffLeft(s, now),
			strconv.Itoa(s.QueueLength),
			fmt.Sprintf("%d/%d", s.AvailableWorkers, s.TotalWorkers),
			s.LastError,
		})
	}
	if err := writeTable(w, "Servers",
		[]string{"URL", "Healthy", "Failures", "Backoff", "Queue", "Workers", "Last error"}, servers); err != nil {
		return err
	}

	byState := make(map[jobs.State]int)
	var open []jobs.Job
	for _, j := range doc.Jobs {
		byState[j.State]++
		if !j.State.IsTerminal() {
			open = append(open, j)
		}
	}

	var counts [][]string
	for _, st := range []jobs.State{
		jobs.StatePending, jobs.StateSubmitted, jobs.StateProcessing,
		jobs.StateRetrying, jobs.StateCompleted, jobs.StateFailed,
	} {
		counts = append(counts, []string{string(st), strconv.Itoa(byState[st])})
	}
	c := doc.Stats
	counts = append(counts,
		[]string{"total created", strconv.Itoa(c.TotalJobs)},
		[]string{"total completed", strconv.Itoa(c.CompletedJobs)},
		[]string{"total failed", strconv.Itoa(c.FailedJobs)},
		[]string{"total retried", strconv.Itoa(c.RetriedJobs)},
	)
	if c.CompletedJobs > 0 {
		counts = append(counts, []string{"avg processing time", fmt.Sprintf("%.1fs", c.TotalProcessingTime/float64(c.CompletedJobs))})
	}
	if err := writeTable(w, "\nJobs", []string{"Metric", "Value"}, counts); err != nil {
		return err
	}

	if len(open) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(open))
	for _, j := range open {
		rows = append(rows, []string{j.ID, string(j.State), j.ServerURL, j.RemoteJobID,
			fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries), j.AudioPath, j.LastError})
	}
	return writeTable(w, "\nUnfinished jobs",
		[]string{"ID", "State", "Server", "Remote ID", "Retries", "Audio", "Last error"}, rows)
}

// writeTable prints title followed by a table of rows.
func writeTable(w io.Writer, title string, header []string, rows [][]string) error {
	if _, err := fmt.Fprintln(w, title); err != nil {
		return fmt.Errorf("status: write %s: %w", strings.TrimSpace(title), err)
	}
	cols := make([]any, len(header))
	for i, h := range header {
		cols[i] = h
	}
	t := tablewriter.NewWriter(w)
	t.Header(cols...)
	for _, row := range rows {
		if err := t.Append(row); err != nil {
			return fmt.Errorf("status: append %s row: %w", strings.TrimSpace(title), err)
		}
	}
	if err := t.Render(); err != nil {
		return fmt.Errorf("status: render %s: %w", strings.TrimSpace(title), err)
	}
	return nil
}

func backoffLeft(s resilience.ServerHealth, now time.Time) string {
	if !s.BackoffUntil.After(now) {
		return "-"
	}
	return s.BackoffUntil.Sub(now).Round(time.Second).String()
}
