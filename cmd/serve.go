package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// newServeCmd creates the 'serve' subcommand: the NDJSON protocol on
// stdin/stdout and, with --http-addr, the HTTP front.
func newServeCmd() *cobra.Command {
	var (
		httpAddr string
		stdio    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves requests over NDJSON on stdio and optionally HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("http-addr") {
				httpAddr = appInstance.Config().Server.Addr
			}
			if !stdio && httpAddr == "" {
				return errors.New("nothing to serve: enable --stdio or set --http-addr")
			}
			logger := appInstance.Logger()
			ctx := cmd.Context()
			g, gctx := errgroup.WithContext(ctx)

			if stdio {
				g.Go(func() error {
					logger.Info("serving NDJSON on stdio")
					if err := appInstance.Service().Serve(gctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
						return fmt.Errorf("serve stdio: %w", err)
					}
					logger.Info("stdio closed")
					if httpAddr == "" {
						return nil
					}
					<-gctx.Done()
					return nil
				})
			}
			if httpAddr != "" {
				srv := &http.Server{
					Addr:              httpAddr,
					Handler:           appInstance.HTTPHandler(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				g.Go(func() error {
					logger.Info("http server listening", zap.String("addr", httpAddr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("http server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
					defer cancel()
					appInstance.Service().CancelAll()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						return fmt.Errorf("http shutdown: %w", err)
					}
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (default server.addr)")
	cmd.Flags().BoolVar(&stdio, "stdio", true, "serve NDJSON on stdin/stdout")
	return cmd
}
