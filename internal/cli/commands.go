package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"videoingest/internal/models"
)

// ErrUploadFailed is returned by watch when the job ends in an error.
var ErrUploadFailed = errors.New("upload failed")

func newSubmitCmd(root *rootOptions) *cobra.Command {
	var req SubmitRequest
	var file string
	var watch bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a local file or a remote URL for upload",
		Example: `  ingestctl submit --scope movie --target 42 --source vimeo --file feature.mp4
  ingestctl submit --scope episode --target 7 --source archive_link --url https://cdn.example/e7.mp4 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (req.URL == "") {
				return errors.New("exactly one of --file or --url is required")
			}
			client, err := root.client()
			if err != nil {
				return err
			}

			var resp SubmitResponse
			if file != "" {
				// File uploads run as long as the transfer takes.
				resp, err = client.SubmitFile(cmd.Context(), req, file)
			} else {
				ctx, cancel := root.requestContext(cmd)
				resp, err = client.SubmitURL(ctx, req)
				cancel()
			}
			if err != nil {
				return fmt.Errorf("submit upload: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.JobID, resp.Status)
			if !watch {
				return nil
			}
			return watchJob(cmd.Context(), client, resp.JobID, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.Scope, "scope", "movie", "catalog scope (movie or episode)")
	flags.StringVar(&req.TargetID, "target", "", "catalog movie or episode id")
	flags.StringVar(&req.SourceType, "source", "", "vendor source type, see 'ingestctl providers'")
	flags.StringVar(&req.Quality, "quality", "", "quality label recorded with the source")
	flags.StringVar(&req.Language, "language", "", "audio language recorded with the source")
	flags.StringVar(&req.Title, "title", "", "title sent to the vendor")
	flags.BoolVar(&req.Published, "published", false, "mark the source as published")
	flags.BoolVar(&req.Downloadable, "downloadable", false, "mark the source as downloadable")
	flags.StringVar(&file, "file", "", "local media file to upload")
	flags.StringVar(&req.URL, "url", "", "remote media URL to pull")
	flags.BoolVarP(&watch, "watch", "w", false, "follow progress until the job finishes")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			state, err := client.Status(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			printState(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.client()
			if err != nil {
				return err
			}
			return watchJob(cmd.Context(), client, args[0], cmd.OutOrStdout())
		},
	}
}

func newCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			if err := client.Cancel(ctx, args[0]); err != nil {
				return fmt.Errorf("cancel upload: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s canceling\n", args[0])
			return nil
		},
	}
}

func newProvidersCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the source types the service accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := root.requestContext(cmd)
			defer cancel()
			types, err := client.Providers(ctx)
			if err != nil {
				return fmt.Errorf("list providers: %w", err)
			}
			for _, t := range types {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}

func watchJob(ctx context.Context, client *Client, jobID string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var final models.Event
	err := client.Watch(ctx, jobID, func(event models.Event) error {
		printEvent(out, event)
		final = event
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch upload: %w", err)
	}
	if final.Type == models.EventError {
		return fmt.Errorf("%w: %s", ErrUploadFailed, final.Error)
	}
	return nil
}

func printEvent(out io.Writer, event models.Event) {
	switch event.Type {
	case models.EventDone:
		fmt.Fprintf(out, "done vendor=%s", event.VendorID)
		if event.PlayerURL != "" {
			fmt.Fprintf(out, " player=%s", event.PlayerURL)
		}
		fmt.Fprintln(out)
	case models.EventError:
		fmt.Fprintf(out, "error kind=%s: %s\n", event.Kind, event.Error)
	default:
		line := string(event.Status)
		if event.Percent != nil {
			line += fmt.Sprintf(" %d%%", *event.Percent)
		}
		if event.Text != "" {
			line += " " + event.Text
		}
		fmt.Fprintln(out, line)
	}
}

func printState(out io.Writer, state models.JobState) {
	rows := [][2]string{
		{"Job", state.JobID},
		{"Source", state.SourceType},
		{"Target", strings.TrimSpace(string(state.Scope) + " " + state.TargetID)},
		{"Status", string(state.Status)},
		{"Percent", fmt.Sprintf("%d", state.Percent)},
		{"Text", state.Text},
		{"Vendor ID", state.VendorID},
		{"Player", state.PlayerURL},
		{"Error", strings.TrimSpace(state.Kind + " " + state.Error)},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintf(out, "%-10s %s\n", row[0]+":", row[1])
	}
}
