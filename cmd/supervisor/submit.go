package main

import (
	"fmt"
	"jobsupervisor/internal/job"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job described by a YAML file",
		Example: `  supervisor submit -f train.yaml
  supervisor submit -f train.yaml --runner http://10.0.0.5:10999`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := readSubmission(file)
			if err != nil {
				return err
			}
			if runner, _ := cmd.Flags().GetString("runner"); runner != "" {
				sub.RunnerURL = runner
			}

			var j job.Job
			if err := clientFrom(opts).do(cmd.Context(), http.MethodPost, "/v1/jobs", nil, sub, &j); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Submission YAML file")
	cmd.Flags().String("runner", "", "Runner URL, overrides runnerUrl in the file")
	_ = cmd.MarkFlagRequired("file")
	addClientFlags(cmd)
	return cmd
}

// readSubmission parses a YAML submission. The envelope uses the same
// snake_case keys as the runner wire format.
func readSubmission(path string) (*job.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sub job.Submission
	if err := yaml.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &sub, nil
}
