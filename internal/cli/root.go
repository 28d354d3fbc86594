// Package cli implements the orcflow command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/orcflow/internal/config"
)

// app holds state shared by every command of one root.
type app struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	logJSON bool
	jsonOut bool
	noColor bool

	out    io.Writer
	errOut io.Writer

	cfg     *config.Config
	cfgPath string // file the config was read from, empty for defaults
	logger  *slog.Logger
	styles  styles
}

// flagKeys maps config keys to the persistent flags that override them.
var flagKeys = map[string]string{
	"database.dsn":     "db",
	"database.dialect": "dialect",
}

// NewRootCmd builds the command tree writing to out and errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out, errOut: errOut}

	rootCmd := &cobra.Command{
		Use:   "orcflow",
		Short: "Durable workflow engine for git repositories",
		Long: `orcflow discovers workflow definitions in registered projects, runs them
phase by phase against an isolated git workspace, and records every step so an
interrupted run resumes where it stopped.

Quick start:
  orcflow project add .           Register the current repository
  orcflow reload                  Load .orc/workflows into the registry
  orcflow run deploy --arg env=staging
  orcflow serve                   Start the API server with hot reload`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ~/.orc/config.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.BoolVar(&a.logJSON, "log-json", false, "write logs as JSON")
	flags.BoolVar(&a.jsonOut, "json", false, "output as JSON")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	flags.String("db", "", "database path or DSN (overrides database.dsn)")
	flags.String("dialect", "", "database dialect: sqlite or postgres")
	for key, name := range flagKeys {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newProjectCmd(a),
		newScanCmd(a),
		newReloadCmd(a),
		newDefinitionsCmd(a),
		newRunCmd(a),
		newRunsCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

// Execute runs the CLI against the process's stdio.
func Execute() error {
	cmd := NewRootCmd(os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		printError(os.Stderr, err, newStyles(colorEnabled(os.Stderr, false)))
		return err
	}
	return nil
}

// init locates the config file, loads it and sets up logging.
func (a *app) init(cmd *cobra.Command) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.SetConfigName(strings.TrimSuffix(config.ConfigFileName, ".yaml"))
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath("$HOME/" + config.OrcDir)
	}
	a.v.SetEnvPrefix("ORC")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	// An explicit --config that does not exist yet means defaults.
	path := a.cfgFile
	var notFound viper.ConfigFileNotFoundError
	if err := a.v.ReadInConfig(); err == nil {
		path = a.v.ConfigFileUsed()
	} else if a.cfgFile == "" && !errors.As(err, &notFound) {
		return fmt.Errorf("locate config: %w", err)
	}

	// File, then ORC_* environment, then flags.
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return err
	}
	config.ApplyEnvVars(cfg)
	for key, name := range flagKeys {
		if cmd.Flags().Changed(name) {
			if err := setKey(cfg, key, a.v.GetString(key)); err != nil {
				return err
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.cfgPath = path

	a.logger = a.newLogger(slog.LevelWarn)
	a.styles = newStyles(colorEnabled(a.out, a.noColor))
	if a.verbose && path != "" {
		a.logger.Debug("using config file", "path", path)
	}
	return nil
}

// newLogger returns a logger on errOut at level, or Debug with --verbose.
func (a *app) newLogger(level slog.Level) *slog.Logger {
	if a.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(a.errOut, opts)
	if a.logJSON {
		handler = slog.NewJSONHandler(a.errOut, opts)
	}
	return slog.New(handler)
}

func setKey(cfg *config.Config, key, value string) error {
	switch key {
	case "database.dsn":
		cfg.Database.DSN = value
	case "database.dialect":
		cfg.Database.Dialect = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}
