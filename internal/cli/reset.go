package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"twoyi/internal/rom"
	"twoyi/internal/supervisor"
)

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Remove the provisioned ROM so the next run extracts it again",
		Long: `Remove the live ROM directory and any staging leftovers. The command
refuses to run while a host reports the engine as active.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config

			presence, err := supervisor.ReadPresence(cfg.PresencePath())
			if err != nil {
				return fmt.Errorf("read presence: %w", err)
			}
			if presence != nil && processAlive(presence.HostPID) {
				return NewExitError(ExitFailure,
					fmt.Sprintf("engine is %s under host pid %d; stop it first", presence.State, presence.HostPID))
			}

			prov := rom.New(rom.Config{RomDir: cfg.RomDir(), BundleDir: cfg.Bundle, Logger: rootOpts.Logger})
			if err := prov.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", prov.RomDir())
			return nil
		},
	}
}

// processAlive reports whether pid exists. EPERM means it exists but
// belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
