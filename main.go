package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"imagecrypt/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var apiURL string
	root := &cobra.Command{
		Use:           "imagecrypt",
		Short:         "Submit images for encryption and follow their jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:7000", "base URL of the imagecrypt API")

	root.AddCommand(newSubmitCmd(&apiURL), newStatusCmd(&apiURL))
	return root
}

func newSubmitCmd(apiURL *string) *cobra.Command {
	var (
		opts     client.SubmitOptions
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <image>",
		Short: "Upload an image and queue it for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if wait && interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			imagePath := args[0]
			f, err := os.Open(imagePath)
			if err != nil {
				return err
			}
			defer f.Close()

			c := client.New(*apiURL, nil)
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Uploading %s...\n", filepath.Base(imagePath))
			jobID, err := c.Submit(cmd.Context(), imagePath, f, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Job queued: %s\n", jobID)
			if !wait {
				return nil
			}

			fmt.Fprintln(out, "Waiting for the job to finish...")
			last := ""
			job, err := c.Wait(cmd.Context(), jobID, interval, func(j client.Job) {
				if j.Status != last {
					fmt.Fprintf(out, "  status: %s\n", j.Status)
					last = j.Status
				}
			})
			if err != nil {
				return err
			}
			if job.Status == "failed" {
				return fmt.Errorf("job %s failed", jobID)
			}
			fmt.Fprintf(out, "\nProcess completed successfully!\nJob: %s\n", jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Key, "key", "", "encryption key (required)")
	cmd.Flags().StringVar(&opts.Operation, "operation", "encrypt", "encrypt or decrypt")
	cmd.Flags().StringVar(&opts.Mode, "mode", "ECB", "cipher mode")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job is completed or failed")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval used with --wait")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newStatusCmd(apiURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client.New(*apiURL, nil).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:     %s\n", job.JobID)
			fmt.Fprintf(out, "Status:  %s\n", job.Status)
			fmt.Fprintf(out, "Created: %s\n", job.CreatedAt.Format(time.RFC3339))
			if job.ImageID != nil {
				fmt.Fprintf(out, "Image:   %s\n", *job.ImageID)
			}
			return nil
		},
	}
}
