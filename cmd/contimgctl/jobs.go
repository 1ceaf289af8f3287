package main

import (
	"net/url"
	"os"
	"strconv"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"
)

type jobRow struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	CreatedAt  string `json:"created_at"`
	LastError  string `json:"last_error"`
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the work queue",
	}
	cmd.AddCommand(newJobsListCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var jobs []jobRow
			if err := newAPIClient().get("/jobs/", q, &jobs); err != nil {
				return err
			}

			t := table.New(os.Stdout)
			t.SetHeaders("ID", "Type", "Status", "Attempts", "Created", "Last Error")
			for _, j := range jobs {
				t.AddRow(j.ID, j.Type, j.Status, strconv.Itoa(j.Attempts)+"/"+strconv.Itoa(j.MaxRetries), j.CreatedAt, j.LastError)
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by job status (pending, running, done, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")
	return cmd
}
