package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newMappingCmd(f *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Export or import the raw value to pseudonym mapping",
		Long: `The mapping lives in the cache file given by --cache or cachePath. Export it
to carry pseudonyms to another installation; import keeps existing entries.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Write the mapping as JSON to file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(f, func(rt *runtime) error {
				w := cmd.OutOrStdout()
				if len(args) == 1 {
					out, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
					if err != nil {
						return err
					}
					defer out.Close() //nolint:errcheck // closed after a successful write below
					w = out
					if err := rt.cache.WriteJSON(w); err != nil {
						return err
					}
					return out.Close()
				}
				return rt.cache.WriteJSON(w)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Merge a JSON mapping from file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(f, func(rt *runtime) error {
				var r io.Reader = cmd.InOrStdin()
				if len(args) == 1 {
					in, err := os.Open(args[0])
					if err != nil {
						return err
					}
					defer in.Close() //nolint:errcheck // read-only
					r = in
				}
				added, err := rt.cache.ReadJSON(r)
				if err != nil {
					return fmt.Errorf("import mapping: %w", err)
				}
				rt.log.Infof("mapping_import", "%d entries added, %d total", added, rt.cache.Len())
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", added)
				return nil
			})
		},
	})
	return cmd
}
