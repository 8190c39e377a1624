package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLimitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show the remote API quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			q, err := appInstance.Limits(cmd.Context())
			if err != nil {
				return fmt.Errorf("read api limits: %w", err)
			}
			appInstance.Reporter().Limits(cmd.Context(), q)

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "day limit:  %d\n", q.DayLimit)
			_, _ = fmt.Fprintf(out, "day used:   %d\n", q.DayUsed)
			_, _ = fmt.Fprintf(out, "remaining:  %d\n", q.Remaining())
			if q.PaidTill != "" {
				_, _ = fmt.Fprintf(out, "paid till:  %s\n", q.PaidTill)
			}
			return nil
		},
	}
}
