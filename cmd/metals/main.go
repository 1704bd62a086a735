// Command meta-ls lists the direct children of a directory in a
// metadata tree (spec.md §6 "meta-ls").
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gvfsd/ftpfs/metatree"
)

func main() {
	var long bool

	cmd := &cobra.Command{
		Use:   "meta-ls <tree-file> <dir>",
		Short: "List direct children of a directory in a metadata tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			treeFile, dir := args[0], args[1]
			dirPath := filepath.Dir(treeFile)
			name := treeFile
			if ext := filepath.Ext(name); ext == ".meta" {
				name = name[:len(name)-len(ext)]
			}
			name = filepath.Base(name)

			s, err := metatree.Open(dirPath, name)
			if err != nil {
				return fmt.Errorf("open %s: %w", treeFile, err)
			}
			defer s.Close()

			children := s.EnumerateChildren(dir)
			sort.Strings(children)
			for _, c := range children {
				childPath := joinMeta(dir, c)
				if !long {
					fmt.Println(c)
					continue
				}
				hasChildren := len(s.EnumerateChildren(childPath)) > 0
				hasData := len(s.EnumerateKeys(childPath)) > 0
				fmt.Printf("%s%s %s\n", flagChar(hasChildren, "c"), flagChar(hasData, "d"), c)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show has-children/has-data flags")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meta-ls:", err)
		os.Exit(1)
	}
}

func flagChar(v bool, c string) string {
	if v {
		return c
	}
	return "-"
}

func joinMeta(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}
