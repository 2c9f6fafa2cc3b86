package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"smeagol/internal/api"
	"smeagol/internal/repo"
	"smeagol/internal/wiki"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newInitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty wiki repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Repository.Path = args[0]
			}

			author := repo.Author{Name: cfg.Repository.AuthorName, Email: cfg.Repository.AuthorEmail}
			r, err := repo.Init(cfg.Repository.Path, cfg.Repository.Branch, author, zap.NewNop())
			if err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}
			head, err := r.CurrentHead()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized wiki repository in %s (%s at %s)\n",
				r.Path(), r.Branch(), head.String()[:7])
			return nil
		},
	}
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the wiki API and watch the repository for outside changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := wiki.Open(ctx, cfg, logger.Logger)
			if err != nil {
				return fmt.Errorf("opening wiki: %w", err)
			}
			defer w.Close()

			srv := &http.Server{
				Addr:              cfg.Server.Bind,
				Handler:           api.NewRouter(w, logger, cfg.Server.MaxUploadSize),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return w.Run(gctx)
			})
			g.Go(func() error {
				logger.Info("listening", zap.String("bind", cfg.Server.Bind))
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
				defer cancel()
				logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}
