// Package cli implements the twoyi command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"twoyi/internal/config"
	"twoyi/internal/logging"
)

// Version is stamped at build time with -ldflags "-X twoyi/internal/cli.Version=...".
var Version = "dev"

// ValidFormats are the accepted --output values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds the global flags and the state PersistentPreRunE
// derives from them.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Output     string
	Debug      bool

	Config *config.Config
	Logger *slog.Logger
	closer io.Closer
}

// NewRootCommand creates the twoyi root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "twoyi",
		Short: "Run and supervise the Twoyi container engine",
		Long: `twoyi provisions the bundled ROM image, launches the container engine
and keeps it alive, restarting it with backoff when it crashes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.teardown()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath(), "path to the YAML configuration")
	flags.StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides log.level")
	flags.StringVar(&opts.LogFormat, "log-format", "", "log format (text|json|auto), overrides log.format")
	flags.StringVarP(&opts.Output, "output", "o", "text", "output format (text|json)")
	flags.BoolVar(&opts.Debug, "debug", false, "shorthand for --log-level=debug")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewGateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

func (o *RootOptions) setup() error {
	if !slices.Contains(ValidFormats, o.Output) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid output %q: must be one of %v", o.Output, ValidFormats))
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load configuration", err)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.Debug {
		cfg.Log.Level = "debug"
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "configure logging", err)
	}
	slog.SetDefault(logger)

	o.Config = cfg
	o.Logger = logger
	o.closer = closer
	return nil
}

func (o *RootOptions) teardown() error {
	if o.closer == nil {
		return nil
	}
	err := o.closer.Close()
	o.closer = nil
	return err
}
