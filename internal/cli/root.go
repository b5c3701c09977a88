// Package cli implements ingestctl, the command line client for the ingest
// service.
package cli

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type rootOptions struct {
	server  string
	timeout time.Duration
	// httpClient replaces the default client in tests.
	httpClient *http.Client
}

// NewRootCmd builds the ingestctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Submit and follow video ingestion jobs",
		Long:          "Command line client for the ingest service: submit uploads, follow their progress and cancel them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := strings.TrimSpace(os.Getenv("INGEST_SERVER"))
	if server == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "ingest service base URL (env INGEST_SERVER)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "timeout for non-streaming requests")

	cmd.AddCommand(newSubmitCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newCancelCmd(opts))
	cmd.AddCommand(newProvidersCmd(opts))
	return cmd
}

// Execute runs the command tree with ctx, which ends open streams when
// cancelled.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (o *rootOptions) client() (*Client, error) {
	return NewClient(o.server, o.httpClient)
}

// requestContext bounds a single request by the timeout flag.
func (o *rootOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}
