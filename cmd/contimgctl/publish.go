package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type publishStatus struct {
	Staging    int `json:"staging"`
	Publishing int `json:"publishing"`
	Published  int `json:"published"`
	Failed     int `json:"failed"`
}

type retryAllResult struct {
	Retried []string `json:"retried"`
}

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Inspect and retry artifact publishing",
	}
	cmd.AddCommand(newPublishStatusCmd())
	cmd.AddCommand(newPublishRetryCmd())
	cmd.AddCommand(newPublishRetryAllCmd())
	return cmd
}

func newPublishStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show artifact counts by lifecycle status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s publishStatus
			if err := newAPIClient().get("/publish/status", nil, &s); err != nil {
				return err
			}
			fmt.Printf("staging:    %d\n", s.Staging)
			fmt.Printf("publishing: %d\n", s.Publishing)
			fmt.Printf("published:  %d\n", s.Published)
			fmt.Printf("failed:     %d\n", s.Failed)
			return nil
		},
	}
}

func newPublishRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [artifact-id]",
		Short: "Retry a single failed publish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().post("/publish/"+args[0]+"/retry", nil, nil); err != nil {
				return err
			}
			fmt.Printf("retrying artifact %s\n", args[0])
			return nil
		},
	}
}

func newPublishRetryAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-all",
		Short: "Retry failed publishes (up to the server's default limit of 100)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r retryAllResult
			if err := newAPIClient().post("/publish/retry-all", nil, &r); err != nil {
				return err
			}
			fmt.Printf("retried %d artifacts\n", len(r.Retried))
			for _, id := range r.Retried {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	}
}
