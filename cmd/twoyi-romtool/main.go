// twoyi-romtool packs a directory tree into a ROM bundle: a compressed
// cpio archive plus the manifest the host verifies every extracted entry
// against.
//
//	twoyi-romtool --version 3.5.1 --out ./bundle ./rootfs
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"twoyi/internal/rom"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "twoyi-romtool: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts rom.PackOptions

	flagSet := pflag.NewFlagSet("twoyi-romtool", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.OutDir, "out", "o", "bundle", "bundle directory to write")
	flagSet.StringVarP(&opts.Version, "version", "v", "", "ROM version recorded in the manifest (required)")
	flagSet.StringVarP(&opts.Compression, "compression", "z", rom.CompressionZstd, "archive compression (none|zstd|lz4)")
	help := flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *help {
		printHelp(flagSet)
		return nil
	}
	if flagSet.NArg() != 1 {
		printHelp(flagSet)
		return fmt.Errorf("expected exactly one source directory, got %d", flagSet.NArg())
	}
	opts.Source = flagSet.Arg(0)

	m, err := rom.Pack(opts)
	if err != nil {
		return err
	}
	fp, err := m.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Printf("packed %d entries into %s\n", len(m.Entries), opts.OutDir)
	fmt.Printf("version:     %s\n", m.Version)
	fmt.Printf("archive:     %s\n", m.Archive)
	fmt.Printf("fingerprint: %s\n", fp)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: twoyi-romtool [flags] <source-dir>\n\n")
	flagSet.PrintDefaults()
}
