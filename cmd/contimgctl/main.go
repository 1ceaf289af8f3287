// Package main provides contimgctl, the operator CLI for contimgd: list
// jobs and artifacts, inspect publish status, and retry failed publishes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var apiBase string

func main() {
	root := &cobra.Command{
		Use:   "contimgctl",
		Short: "Operator CLI for the contimg ingest pipeline daemon",
	}
	root.PersistentFlags().StringVar(&apiBase, "api", defaultAPIBase(), "contimgd API base URL")

	root.AddCommand(newJobsCmd())
	root.AddCommand(newArtifactsCmd())
	root.AddCommand(newPublishCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultAPIBase() string {
	if v := os.Getenv("CONTIMGCTL_API"); v != "" {
		return v
	}
	return "http://127.0.0.1:8620"
}
