// Command meta-get-tree resolves each given path to its owning
// metadata tree and the path inside it, for diagnostics (spec.md §6
// "meta-get-tree").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gvfsd/ftpfs/lib/metacli"
	"github.com/gvfsd/ftpfs/metatree"
)

func main() {
	var metaDir string

	cmd := &cobra.Command{
		Use:   "meta-get-tree <path>...",
		Short: "Resolve paths to their owning metadata tree",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range args {
				tree, inTree := metatree.ResolveTree(p)
				fmt.Printf("%s: tree=%s path=%s image=%s\n", p, tree, inTree, metatree.TreeImagePath(metaDir, tree))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metaDir, "meta-dir", metacli.DefaultMetaDir(), "directory holding per-tree metadata images")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meta-get-tree:", err)
		os.Exit(1)
	}
}
