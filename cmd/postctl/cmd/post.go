package cmd

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var postCmd = &cobra.Command{
	Use:   "post [content]",
	Short: "Schedule a single post",
	Long: `Schedule one post, either at an absolute time or after a delay.

Examples:
  postctl post "hello world" --in 10m
  postctl post "launch" --at 2030-01-01T09:00:00Z
  postctl post "local time" --at "2030-01-01 12:00:00"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		in, _ := cmd.Flags().GetDuration("in")
		fireAt, err := fireAtFor(at, in, time.Now())
		if err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("idempotency-key")
		return submit(cmd, batchRequest{
			Items:          []batchItem{{Content: strings.Join(args, " "), FireAt: fireAt}},
			IdempotencyKey: key,
		})
	},
}

// fireAtFor resolves --at or --in into the fire_at value sent to the server.
// --at is passed through so naive values stay in the scheduler's timezone.
func fireAtFor(at string, in time.Duration, now time.Time) (string, error) {
	switch {
	case at != "" && in != 0:
		return "", errors.New("use only one of --at and --in")
	case at != "":
		return at, nil
	case in < 0:
		return "", errors.New("--in must not be negative")
	default:
		return now.Add(in).UTC().Format(time.RFC3339Nano), nil
	}
}

func init() {
	rootCmd.AddCommand(postCmd)
	postCmd.Flags().String("at", "", "fire time, RFC 3339 or naive local to the scheduler")
	postCmd.Flags().Duration("in", 0, "fire after this delay")
	postCmd.Flags().String("idempotency-key", "", "idempotency key for deduplication")
}
