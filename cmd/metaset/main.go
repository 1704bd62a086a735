// Command meta-set writes a metadata attribute via the journal
// (spec.md §6 "meta-set").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gvfsd/ftpfs/lib/metacli"
	"github.com/gvfsd/ftpfs/metatree"
)

func main() {
	var (
		treeName string
		unset    bool
		asList   bool
		useDBus  bool
		metaDir  string
	)

	cmd := &cobra.Command{
		Use:   "meta-set <path> <key> [<value>...]",
		Short: "Write a metadata attribute",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if useDBus {
				return fmt.Errorf("--dbus: writing through a running metadata daemon is not supported by this build; omit --dbus to write the journal directly")
			}
			path, key, values := args[0], args[1], args[2:]

			s, inTreePath, err := metacli.OpenForPath(metaDir, treeName, "", path)
			if err != nil {
				return err
			}
			defer s.Close()

			if unset {
				return s.Unset(inTreePath, key)
			}
			if asList {
				return s.Set(inTreePath, key, metatree.Value{List: values, IsList: true})
			}
			if len(values) != 1 {
				return fmt.Errorf("meta-set: a scalar attribute takes exactly one value (use --list for more)")
			}
			return s.Set(inTreePath, key, metatree.Value{List: values})
		},
	}
	cmd.Flags().StringVar(&treeName, "tree", "", "metadata tree name (defaults to the path's leading component)")
	cmd.Flags().BoolVar(&unset, "unset", false, "remove the attribute instead of setting it")
	cmd.Flags().BoolVar(&asList, "list", false, "treat the values as a string list (SETV_KEY)")
	cmd.Flags().BoolVar(&useDBus, "dbus", false, "write through a running metadata daemon instead of the journal directly")
	cmd.Flags().StringVar(&metaDir, "meta-dir", metacli.DefaultMetaDir(), "directory holding per-tree metadata images")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meta-set:", err)
		os.Exit(1)
	}
}
