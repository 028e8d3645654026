package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meigma/unthin/config"
	"github.com/meigma/unthin/logger"
)

// app holds state shared by subcommands once the root command has loaded
// configuration.
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
	closeLog   func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "unthin",
		Short: "Strip and restore cacheable dependencies of thin archives",
		Long: `unthin reconciles a project directory against its dependency manifest.

New dependencies are downloaded, validated together with the project, persisted
to blob storage and removed from the directory. Dependencies a validator removed
are dropped from the manifest; modified ones stay in the archive.

Configuration is read from --config (TOML or YAML) and UNTHIN_* environment
variables, for example UNTHIN_DOWNLOAD_BASE_URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "configuration file")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "emit JSON logs")

	cmd.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newRestoreCmd(a),
		newMigrateCmd(a),
		newArchiveCmd(a),
	)
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		v.Set("log.level", f.Value.String())
	}
	if f := flags.Lookup("log-json"); f != nil && f.Changed {
		v.Set("log.json", f.Value.String() == "true")
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	a.cfg = cfg

	log, closeLog, err := logger.New(logger.Options{
		JSON:       cfg.Log.JSON,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Writer:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.log = log
	a.closeLog = closeLog
	return nil
}
