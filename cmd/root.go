// Package cmd defines and implements the CLI commands for the docket-harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/api"
	"github.com/JakeFAU/docket-harvester/internal/app"
	"github.com/JakeFAU/docket-harvester/internal/config"
	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/logging"
	"github.com/JakeFAU/docket-harvester/internal/notify"
	"github.com/JakeFAU/docket-harvester/internal/pipeline"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Close() error
	Logger() *zap.Logger
	Reporter() *notify.Reporter
	Limits(ctx context.Context) (harvest.QuotaInfo, error)
	ForgetDate(ctx context.Context, date time.Time) error
	Pipeline(ctx context.Context) (*pipeline.Pipeline, error)
	Server() *api.Server
}

type rootFlags struct {
	configFile string
	logLevel   string
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// session carries the App built for one invocation so it can be closed even when the
// command fails.
type session struct {
	app App
}

func (s *session) close() {
	if s.app == nil {
		return
	}
	if err := s.app.Close(); err != nil {
		s.app.Logger().Warn("Failed to close application services", zap.Error(err))
	}
	_ = s.app.Logger().Sync()
	s.app = nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd(sess *session) *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:   "docket-harvester",
		Short: "Collects court decision metadata and downloads the decision PDFs.",
		Long: `docket-harvester walks the court decision search API day by day within a
request budget, records which days are complete, and downloads the referenced
PDF documents through a real browser session.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := cfg.Logging.Level
			if flags.logLevel != "" {
				level = flags.logLevel
			}
			logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(level))
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			sess.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (YAML); environment variables override it")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "minimum log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(),
		newCollectCmd(),
		newDownloadCmd(),
		newLimitsCmd(),
		newForgetCmd(),
		newServeCmd(),
	)
	return cmd
}

// execute runs the command line in args and releases the application services afterwards.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var sess session
	defer sess.close()

	root := newRootCmd(&sess)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// Execute runs the CLI until it finishes or the process receives SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
