package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"smeagol/internal/config"
	"smeagol/internal/logging"
	"smeagol/internal/wiki"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigFile = "smeagol.toml"

type options struct {
	configFile string
	repoPath   string
	branch     string
	server     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "smeagol",
		Short: "A personal wiki stored in a Git repository",
		Long: `smeagol keeps wiki pages as files in a Git repository. Every edit is a
commit, page history is the Git log, and the repository can be cloned, pulled
and pushed with ordinary Git tooling while the server runs.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", defaultConfigFile, "configuration file (TOML)")
	flags.StringVarP(&opts.repoPath, "repo", "r", "", "repository path, overrides repository.path")
	flags.StringVarP(&opts.branch, "branch", "b", "", "tracked branch, overrides repository.branch")
	flags.StringVar(&opts.server, "server", "", "server URL for put and rm (default from server.bind)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level, overrides log_level")

	root.AddCommand(
		newInitCmd(opts),
		newServeCmd(opts),
		newListCmd(opts),
		newCatCmd(opts),
		newLogCmd(opts),
		newDiffCmd(opts),
		newPutCmd(opts),
		newRmCmd(opts),
	)
	return root
}

// loadConfig reads the config file when present and applies flag overrides.
// Without a config file the repository defaults to the working directory.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	switch {
	case errors.Is(err, fs.ErrNotExist) && o.configFile == defaultConfigFile:
		cfg = config.Default(".")
	case err != nil:
		return nil, err
	}

	if o.repoPath != "" {
		cfg.Repository.Path = o.repoPath
	}
	if o.branch != "" {
		cfg.Repository.Branch = o.branch
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, cfg.Validate()
}

func (o *options) logger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return logger, nil
}

// openWiki opens the configured wiki for a one-shot read command: no
// repository creation and no checkpoint.
func (o *options) openWiki(ctx context.Context) (*wiki.Wiki, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Repository.Create = false
	cfg.Cache.CheckpointPath = ""
	if o.logLevel == "" {
		cfg.LogLevel = "warn"
	}

	logger, err := o.logger(cfg)
	if err != nil {
		return nil, err
	}
	w, err := wiki.Open(ctx, cfg, logger.Logger)
	if err != nil {
		logger.Debug("opening wiki failed", zap.Error(err))
		return nil, fmt.Errorf("opening wiki at %s: %w", cfg.Repository.Path, err)
	}
	return w, nil
}
