package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"twoyi/internal/gate"
	"twoyi/internal/host"
	"twoyi/internal/rom"
	"twoyi/internal/supervisor"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	History int
}

// StatusReport is what `twoyi status -o json` prints.
type StatusReport struct {
	Rom      rom.Status                      `json:"rom"`
	Presence *supervisor.Presence            `json:"presence"`
	History  []supervisor.JournalEntry       `json:"history"`
	Grants   map[gate.Capability]gate.Status `json:"grants"`
	Host     host.Capabilities               `json:"host"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ROM, engine and permission status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := collectStatus(opts)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), opts.Output, report)
		},
	}

	cmd.Flags().IntVarP(&opts.History, "history", "n", 10, "number of journal entries to show")
	return cmd
}

func collectStatus(opts *StatusOptions) (StatusReport, error) {
	cfg := opts.Config
	var report StatusReport

	prov := rom.New(rom.Config{RomDir: cfg.RomDir(), BundleDir: cfg.Bundle, Logger: opts.Logger})
	st, err := prov.Status()
	if err != nil {
		return report, fmt.Errorf("read rom status: %w", err)
	}
	report.Rom = st

	presence, err := supervisor.ReadPresence(cfg.PresencePath())
	if err != nil {
		return report, fmt.Errorf("read presence: %w", err)
	}
	report.Presence = presence

	entries, err := supervisor.ReadJournal(cfg.JournalPath())
	if err != nil {
		return report, fmt.Errorf("read journal: %w", err)
	}
	if opts.History >= 0 && len(entries) > opts.History {
		entries = entries[len(entries)-opts.History:]
	}
	report.History = entries

	g, _ := newGate(opts.RootOptions)
	report.Grants = g.Statuses()

	report.Host = host.NewProbe(host.ProbeConfig{Logger: opts.Logger}).Capabilities()
	return report, nil
}

func printStatus(w io.Writer, format string, r StatusReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "ROM\t%s\n", r.Rom.RomDir)
	switch {
	case r.Rom.BundleError != "":
		fmt.Fprintf(tw, "  bundle\tunavailable: %s\n", r.Rom.BundleError)
	case r.Rom.Ready:
		fmt.Fprintf(tw, "  state\tready (%s, %s)\n", r.Rom.Version, short(r.Rom.Fingerprint))
	default:
		fmt.Fprintf(tw, "  state\tneeds provisioning (have %s, bundled %s)\n",
			orNone(short(r.Rom.Fingerprint)), short(r.Rom.Bundled))
	}
	if r.Rom.Orphans > 0 {
		fmt.Fprintf(tw, "  orphans\t%d\n", r.Rom.Orphans)
	}

	if p := r.Presence; p != nil {
		fmt.Fprintf(tw, "Engine\t%s since %s\n", p.State, p.Since.Format(time.RFC3339))
		fmt.Fprintf(tw, "  host\tpid %d, instance %s\n", p.HostPID, p.Instance)
		if p.EnginePID > 0 {
			fmt.Fprintf(tw, "  engine\tpid %d, epoch %d\n", p.EnginePID, p.Epoch)
		}
	} else {
		fmt.Fprintf(tw, "Engine\tSTOPPED\n")
	}

	fmt.Fprintf(tw, "Permissions\t\n")
	for _, c := range gate.Order {
		if s, ok := r.Grants[c]; ok {
			fmt.Fprintf(tw, "  %s\t%s\n", c, s)
		}
	}

	fmt.Fprintf(tw, "Host\tdocker=%t container=%t userns=%t cgroup=v%d\n",
		r.Host.DockerReachable, r.Host.InContainer, r.Host.UserNamespaces, r.Host.CgroupVersion)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.History) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tEPOCH\tDETAIL")
	for _, e := range r.History {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Time.Format(time.RFC3339), e.Event, e.Epoch, journalDetail(e))
	}
	return tw.Flush()
}

func journalDetail(e supervisor.JournalEntry) string {
	var parts []string
	if e.Event == "transition" {
		parts = append(parts, e.From+" -> "+e.To)
	}
	if e.Code != nil {
		parts = append(parts, fmt.Sprintf("code=%d", *e.Code))
	}
	if e.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if e.Error != "" {
		parts = append(parts, "error: "+e.Error)
	}
	return strings.Join(parts, " ")
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
