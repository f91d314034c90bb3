// Command deid de-identifies Chinese medical records.
//
// It rewrites names, doctors, institutions, locations, identifiers, ages and
// dates in text or CSV files, or serves the same engine over HTTP.
//
// Usage:
//
//	# Redact files into ./out, four at a time
//	deid redact --out out record1.txt labs.csv
//
//	# Category passes with masking instead of tags
//	deid redact --strategy category --mode mask < note.txt
//
//	# List what would be redacted
//	deid entities note.txt
//
//	# Serve the HTTP API
//	DEID_API_TOKEN=s3cret deid serve
//
//	# Carry pseudonyms between runs
//	deid mapping export mapping.json
//	deid mapping import mapping.json
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f globalFlags
	root := &cobra.Command{
		Use:   "deid",
		Short: "De-identify Chinese medical records",
		Long: `deid rewrites personal and health identifiers in Chinese medical records.

Patient names become 张某 (or a stable NAME_ID_ pseudonym), doctors become
某某主任医师, institutions become a type label or site code, identifiers
become hashed tokens, ages become ten-year ranges and dates are shifted by a
fixed number of days. The same value always gets the same replacement.

Configuration is read from deid-config.json or deid-config.yaml, then from
DEID_* environment variables, then from flags.`,
		SilenceUsage: true,
	}
	f.register(root)

	root.AddCommand(
		newRedactCmd(&f),
		newEntitiesCmd(&f),
		newServeCmd(&f),
		newMappingCmd(&f),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "deid "+version)
		},
	}
}
