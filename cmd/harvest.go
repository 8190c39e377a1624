package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/pipeline"
)

type stage func(p *pipeline.Pipeline, ctx context.Context) (pipeline.Summary, error)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Collect metadata, then download the matching PDFs",
		Long: `Checks the remote API limits, walks the calendar collecting decision
metadata, filters the results and downloads every new document.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStage(cmd, (*pipeline.Pipeline).Run)
		},
	}
}

func newCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Collect metadata without downloading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStage(cmd, (*pipeline.Pipeline).Collect)
		},
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download PDFs referenced by previously saved metadata",
		Long: `Reads the metadata pages saved by earlier runs and downloads the documents
that have not been downloaded yet. The search API is not called.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStage(cmd, (*pipeline.Pipeline).DownloadOnly)
		},
	}
}

func runStage(cmd *cobra.Command, run stage) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	p, err := appInstance.Pipeline(cmd.Context())
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	s, err := run(p, cmd.Context())
	printSummary(cmd.OutOrStdout(), s)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrLimitsExhausted):
		appInstance.Logger().Warn("Run postponed until the remote quota resets")
	case errors.Is(err, context.Canceled):
		appInstance.Logger().Info("Run interrupted")
	default:
		return fmt.Errorf("%s: %w", s.Mode, err)
	}
	appInstance.Logger().Info("Command finished.", zap.String("run_id", s.RunID))
	return nil
}

func printSummary(w io.Writer, s pipeline.Summary) {
	if s.RunID == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "run %s (%s) finished in %s\n", s.RunID, s.Mode, s.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "  metadata items:  %d (%d days committed)\n", s.MetadataItems, s.DaysCommitted)
	_, _ = fmt.Fprintf(w, "  kept/downloaded: %d/%d, failed %d\n", s.Kept, s.Downloaded, s.Failed)
	_, _ = fmt.Fprintf(w, "  requests used:   %d\n", s.RequestsUsed)
	_, _ = fmt.Fprintf(w, "  ledger:          %d dates, %d artifacts\n", s.Ledger.ProcessedDates, s.Ledger.DownloadedArtifacts)
}
