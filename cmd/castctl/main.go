// Command castctl drives a castmatch API server from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/castmatch/engine/ingest"
	"github.com/WessleyAI/castmatch/pkg/natsutil"
)

const defaultServer = "http://127.0.0.1:8080"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "castctl",
		Short:        "Identify faces and manage the castmatch catalog",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("server", envOr("CASTMATCH_SERVER", defaultServer), "API base URL")
	root.PersistentFlags().Duration("timeout", 10*time.Minute, "request timeout")

	root.AddCommand(
		identifyCmd(),
		statusCmd(),
		ingestCmd(),
		reindexCmd(),
		enrollCmd(),
	)
	return root
}

func clientFor(cmd *cobra.Command) *client {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return newClient(server, timeout)
}

func identifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identify <image>",
		Short: "Rank catalog entries against a photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			best, _ := cmd.Flags().GetBool("best")
			path := "/api/face/identify"
			if best {
				path = "/api/face/recast"
			}
			out, err := clientFor(cmd).postImage(cmd.Context(), path, img)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().Bool("best", false, "return only the closest match")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show catalog readiness and size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := clientFor(cmd).get(cmd.Context(), "/api/catalog/status")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run catalog ingestion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			natsURL, _ := cmd.Flags().GetString("nats")
			if natsURL != "" {
				timeout, _ := cmd.Flags().GetDuration("timeout")
				sum, err := ingestViaNATS(cmd.Context(), natsURL, timeout)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sum.String())
				return nil
			}
			async, _ := cmd.Flags().GetBool("async")
			path := "/api/admin/catalog/ingest"
			if async {
				path += "?async=true"
			}
			out, err := clientFor(cmd).post(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().String("nats", "", "trigger through this NATS server instead of the API")
	cmd.Flags().Bool("async", false, "start the run and return immediately")
	return cmd
}

func ingestViaNATS(ctx context.Context, url string, timeout time.Duration) (ingest.Summary, error) {
	nc, err := nats.Connect(url, nats.Name("castmatch-cli"))
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	host, _ := os.Hostname()
	return natsutil.Request[ingest.RunRequest, ingest.Summary](ctx, nc, ingest.RunSubject, ingest.RunRequest{Requester: "castmatch@" + host})
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the in-memory index from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := clientFor(cmd).post(cmd.Context(), "/api/admin/catalog/reindex")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func enrollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enroll <id> [image]",
		Short: "Add or replace one catalog entry",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			name, _ := cmd.Flags().GetString("name")
			imageURL, _ := cmd.Flags().GetString("image-url")
			var img []byte
			if len(args) == 2 {
				if img, err = os.ReadFile(args[1]); err != nil {
					return err
				}
			} else if imageURL == "" {
				return fmt.Errorf("an image file or --image-url is required")
			}
			out, err := clientFor(cmd).enroll(cmd.Context(), id, name, imageURL, img)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("image-url", "", "reference photo URL")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
