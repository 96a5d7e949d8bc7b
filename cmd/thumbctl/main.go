// Command thumbctl submits images to a thumbflow API and inspects jobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "thumbctl",
		Short:         "Submit thumbnail jobs and inspect their progress",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultServer := os.Getenv("THUMBFLOW_API_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "thumbflow API base URL (env THUMBFLOW_API_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newURLCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *client {
	return newClient(o.server, o.timeout)
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	var (
		opts     submitOptions
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <image>",
		Short: "Upload an image and schedule a thumbnail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := root.client()
			resp, err := c.submit(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if !wait {
				if root.json {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.JobID, resp.Status)
				return nil
			}

			job, err := c.wait(cmd.Context(), resp.JobID, interval)
			if err != nil {
				return err
			}
			if err := printJob(cmd.OutOrStdout(), job, root.json); err != nil {
				return err
			}
			if job.Status == "failed" {
				return fmt.Errorf("job %s failed", job.JobID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Size, "size", 0, "square edge length in pixels (1-2000, server default 100)")
	cmd.Flags().IntVar(&opts.Width, "width", 0, "target width, overrides --size")
	cmd.Flags().IntVar(&opts.Height, "height", 0, "target height, overrides --size")
	cmd.Flags().StringVar(&opts.Format, "format", "", "output format: jpeg, png, gif or webp (default: same as source)")
	cmd.Flags().IntVar(&opts.Quality, "quality", 0, "encoder quality 1-100")
	cmd.Flags().StringVar(&opts.WebhookURL, "webhook", "", "URL notified when the job finishes")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval for --wait")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := root.client().job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), job, root.json)
		},
	}
}

func newListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := root.client().jobs(cmd.Context())
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), jobs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tSTATUS\tATTEMPTS\tSIZE\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%dx%d\t%s\n",
					j.JobID, j.Status, j.AttemptCount, j.MaxAttempts,
					j.Params.Width, j.Params.Height, j.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newURLCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "url <job-id>",
		Short: "Print a presigned URL for a finished thumbnail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := root.client().thumbnail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if root.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.ThumbnailURL)
			return nil
		},
	}
}

func printJob(w io.Writer, job jobView, asJSON bool) error {
	if asJSON {
		return printJSON(w, job)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "job\t%s\n", job.JobID)
	fmt.Fprintf(tw, "status\t%s\n", job.Status)
	fmt.Fprintf(tw, "attempts\t%d/%d\n", job.AttemptCount, job.MaxAttempts)
	fmt.Fprintf(tw, "size\t%dx%d\n", job.Params.Width, job.Params.Height)
	if job.Result != nil {
		fmt.Fprintf(tw, "result\t%s (%s)\n", job.Result.Key, job.Result.ContentType)
	}
	if job.Error != nil {
		fmt.Fprintf(tw, "error\t%s: %s\n", job.Error.Kind, job.Error.Message)
	}
	fmt.Fprintf(tw, "updated\t%s\n", job.UpdatedAt.Format(time.RFC3339))
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
