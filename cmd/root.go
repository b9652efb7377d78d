package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/app"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/config"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// version is stamped at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

// appKeyType is the key for storing the App holder in the context.
type appKeyType string

const appKey appKeyType = "app"

// appHolder is placed in the context before execution so the App can be
// closed after RunE, whether or not it failed.
type appHolder struct {
	app *app.App
}

// newApp is the application factory. Tests replace it to inject targets and
// a fake transport.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg, app.WithVersion(version))
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "bylaw-crawler",
		Short: "Discovers, extracts, and scores municipal bylaw documents.",
		Long: `bylaw-crawler crawls registered municipality sites for bylaw documents,
extracts their text, and scores them for relevance. It runs one-shot from the
command line or as a long-lived NDJSON/HTTP service.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			holder, ok := cmd.Context().Value(appKey).(*appHolder)
			if !ok {
				return errors.New("command context missing app holder")
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			holder.app = appInstance
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLER_* env vars override it")

	cmd.AddCommand(newCrawlCmd(), newPipelineCmd(), newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	holder, ok := ctx.Value(appKey).(*appHolder)
	if !ok || holder.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return holder.app, nil
}

// Execute runs the CLI and returns the process exit code: 0 on success, 1 on
// failure, and 130 when interrupted.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, newRootCmd(), os.Args[1:])
}

func run(ctx context.Context, root *cobra.Command, args []string) int {
	holder := &appHolder{}
	root.SetArgs(args)
	err := root.ExecuteContext(context.WithValue(ctx, appKey, holder))
	if holder.app != nil {
		if err != nil {
			holder.app.Logger().Error("command failed", zap.Error(err))
		}
		if cerr := holder.app.Close(context.WithoutCancel(ctx)); cerr != nil {
			fmt.Fprintf(root.ErrOrStderr(), "shutdown: %v\n", cerr)
		}
	}
	switch {
	case ctx.Err() != nil:
		fmt.Fprintln(root.ErrOrStderr(), "interrupted")
		return ExitInterrupted
	case err != nil:
		fmt.Fprintf(root.ErrOrStderr(), "error: %v\n", err)
		return ExitFailure
	default:
		return ExitOK
	}
}
