package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

type healthStatus struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	State   string          `json:"state,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st healthStatus
		code, err := doJSON(cmd.Context(), "GET", "/healthz", nil, nil, &st)
		var apiErr *apiError
		if err != nil && !errors.As(err, &apiErr) {
			return fmt.Errorf("health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			if perr := printJSON(out, st); perr != nil {
				return perr
			}
		} else {
			if st.OK {
				fmt.Fprintf(out, "✓ Scheduler is healthy (%s)\n", st.State)
			} else {
				fmt.Fprintf(out, "✗ Scheduler is unhealthy (HTTP %d): %s\n", code, st.Message)
			}
			names := make([]string, 0, len(st.Checks))
			for name := range st.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %s: %v\n", name, st.Checks[name])
			}
		}
		if !st.OK {
			return errors.New("scheduler unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
