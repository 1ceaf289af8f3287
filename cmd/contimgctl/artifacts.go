package main

import (
	"net/url"
	"os"
	"strconv"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"
)

type artifactRow struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Path             string `json:"path"`
	Status           string `json:"status"`
	PublishAttempts  int    `json:"publish_attempts"`
	LastPublishError string `json:"last_publish_error"`
	CreatedAt        string `json:"created_at"`
}

func newArtifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect registered data products",
	}
	cmd.AddCommand(newArtifactsListCmd())
	return cmd
}

func newArtifactsListCmd() *cobra.Command {
	var status, kind string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if kind != "" {
				q.Set("kind", kind)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var artifacts []artifactRow
			if err := newAPIClient().get("/artifacts/", q, &artifacts); err != nil {
				return err
			}

			t := table.New(os.Stdout)
			t.SetHeaders("ID", "Kind", "Status", "Attempts", "Created", "Path")
			for _, a := range artifacts {
				t.AddRow(a.ID, a.Kind, a.Status, strconv.Itoa(a.PublishAttempts), a.CreatedAt, a.Path)
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by lifecycle status (staging, publishing, published, failed)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by artifact kind")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum artifacts to list")
	return cmd
}
