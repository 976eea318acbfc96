package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"twoyi/internal/gate"
)

// GateOptions holds flags for the gate command.
type GateOptions struct {
	*RootOptions
	Check bool
}

// NewGateCommand creates the gate command.
func NewGateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Walk through the capabilities the engine needs",
		Long: `Show the permission gate. Each capability that is unknown or denied is prompted for;
capabilities that can no longer be prompted for must be granted by editing
the grants file, which the gate watches.

With --check, or when stdin is not a terminal, the gate is evaluated once
and the command fails with exit code 3 while anything is outstanding.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return passGate(cmd.Context(), opts.RootOptions, !opts.Check && interactive())
		},
	}

	cmd.Flags().BoolVar(&opts.Check, "check", false, "evaluate once without prompting")
	return cmd
}

func newGate(opts *RootOptions) (*gate.Gate, *gate.FileHost) {
	cfg := opts.Config.Gate
	host := gate.NewFileHost(cfg.GrantsFile, cfg.StorageRoot, opts.Logger)

	caps := make([]gate.Capability, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps = append(caps, gate.Capability(c))
	}
	return gate.New(host, caps, opts.Logger), host
}

// passGate returns nil once every capability is granted.
func passGate(ctx context.Context, opts *RootOptions, prompt bool) error {
	g, host := newGate(opts)
	if !prompt {
		if err := g.Check(); err != nil {
			return WrapExitError(ExitRefused, fmt.Sprintf("edit %s or run `twoyi gate`", host.Path()), err)
		}
		return nil
	}
	if err := gate.Run(ctx, g, host); err != nil {
		return WrapExitError(ExitRefused, "permission gate", err)
	}
	return nil
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
