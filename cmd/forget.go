package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <date>",
		Short: "Mark a processed day (YYYY-MM-DD) as unprocessed so it is collected again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := harvest.ParseDate(args[0])
			if err != nil {
				return fmt.Errorf("parse date: %w", err)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			err = appInstance.ForgetDate(cmd.Context(), date)
			if errors.Is(err, harvest.ErrNotFound) {
				return fmt.Errorf("%s was never recorded as processed: %w", harvest.FormatDate(date), err)
			}
			if err != nil {
				return fmt.Errorf("forget %s: %w", harvest.FormatDate(date), err)
			}
			appInstance.Logger().Info("Forgot processed day", zap.String("date", harvest.FormatDate(date)))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s will be collected again\n", harvest.FormatDate(date))
			return nil
		},
	}
}
