package main

import (
	"encoding/json"
	"fmt"
	"io"
	"jobsupervisor/internal/job"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control supervised jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(opts),
		newJobsGetCmd(opts),
		newJobsLogsCmd(opts),
		newJobsMetricsCmd(opts),
		newJobsTerminateCmd(opts),
	)
	return cmd
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp job.ListResponse
			if err := clientFrom(opts).do(cmd.Context(), http.MethodGet, "/v1/jobs", nil, nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tDIALECT\tREASON\tUPDATED")
			for _, j := range resp.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Status, j.Dialect, j.TerminationReason, j.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newJobsGetCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var j job.Job
			if err := clientFrom(opts).do(cmd.Context(), http.MethodGet, "/v1/jobs/"+url.PathEscape(args[0]), nil, nil, &j); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newJobsLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		stream    string
		startTime int64
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "logs JOB_ID",
		Short: "Print persisted job or runner logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("stream", stream)
			if startTime > 0 {
				q.Set("start_time", strconv.FormatInt(startTime, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var resp job.LogsResponse
			path := "/v1/jobs/" + url.PathEscape(args[0]) + "/logs"
			if err := clientFrom(opts).do(cmd.Context(), http.MethodGet, path, q, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range resp.Logs {
				if _, err := out.Write(e.Message); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stream, "stream", string(job.StreamJob), "Log stream (job|runner)")
	cmd.Flags().Int64Var(&startTime, "start-time", 0, "Only entries at or after this unix ms timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries")
	addClientFlags(cmd)
	return cmd
}

func newJobsMetricsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics JOB_ID",
		Short: "Show the latest resource usage of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m job.MetricsReport
			path := "/v1/jobs/" + url.PathEscape(args[0]) + "/metrics"
			if err := clientFrom(opts).do(cmd.Context(), http.MethodGet, path, nil, nil, &m); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newJobsTerminateCmd(opts *rootOptions) *cobra.Command {
	var (
		reason  string
		message string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "terminate JOB_ID",
		Short: "Ask the runner to stop a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if reason != "" {
				q.Set("reason", reason)
			}
			if message != "" {
				q.Set("message", message)
			}
			if cmd.Flags().Changed("timeout") {
				q.Set("timeout_seconds", strconv.Itoa(int(timeout/time.Second)))
			}
			if err := clientFrom(opts).do(cmd.Context(), http.MethodDelete, "/v1/jobs/"+url.PathEscape(args[0]), q, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "termination of %s requested\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Termination reason (default terminated_by_user)")
	cmd.Flags().StringVar(&message, "message", "", "Termination message")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Graceful stop timeout, 0 to kill")
	addClientFlags(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
