// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hearth/lib/state"
	"github.com/bureau-foundation/hearth/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var inputPath string
	var rulesPath string
	var roomFlag string
	var showVersion bool

	flagSet := pflag.NewFlagSet("hearth-resolve", pflag.ContinueOnError)
	flagSet.StringVar(&inputPath, "input", "-", "CBOR event dump to resolve (default: stdin)")
	flagSet.StringVar(&rulesPath, "rules", "", "resolution rule table override (JSONC)")
	flagSet.StringVar(&roomFlag, "room", "", "room ID to resolve when the dump holds several rooms")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("hearth-resolve")
		return nil
	}

	var input io.Reader = os.Stdin
	if inputPath != "-" {
		file, err := os.Open(inputPath)
		if err != nil {
			return err
		}
		defer file.Close()
		input = file
	}

	registry, err := loadRegistry(rulesPath)
	if err != nil {
		return err
	}

	events, err := readDump(input)
	if err != nil {
		return err
	}

	report, err := resolveDump(context.Background(), events, registry, roomFlag)
	if err != nil {
		return err
	}
	printReport(os.Stdout, report)
	return nil
}

func loadRegistry(rulesPath string) (*state.Registry, error) {
	if rulesPath != "" {
		registry, err := state.LoadRegistryFile(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("loading rule table override: %w", err)
		}
		return registry, nil
	}
	registry, err := state.LoadRegistry()
	if err != nil {
		return nil, fmt.Errorf("loading rule table: %w", err)
	}
	return registry, nil
}

func printReport(w io.Writer, report *dumpReport) {
	fmt.Fprintf(w, "room:    %s\n", report.Room)
	fmt.Fprintf(w, "version: %s\n", report.Version)
	fmt.Fprintf(w, "events:  %d loaded, %d committed\n", report.Loaded, report.Committed)
	fmt.Fprintf(w, "leaves: ")
	for _, leaf := range report.Leaves {
		fmt.Fprintf(w, " %s", leaf)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\nresolved state (%d entries):\n", len(report.State))
	for _, tuple := range report.State.SortedTuples() {
		fmt.Fprintf(w, "  %-50s %s\n", tuple, report.State[tuple])
	}

	if len(report.Log) == 0 {
		fmt.Fprintf(w, "\nno conflicted slots\n")
		return
	}
	fmt.Fprintf(w, "\nconflict log:\n")
	for _, merge := range report.Log {
		fmt.Fprintf(w, "  %s:\n", merge.At)
		for _, entry := range merge.Entries {
			fmt.Fprintf(w, "    %-48s chose %s", entry.Tuple, entry.Chosen)
			for _, discarded := range entry.Discarded {
				fmt.Fprintf(w, ", discarded %s", discarded)
			}
			fmt.Fprintln(w)
		}
	}
}
