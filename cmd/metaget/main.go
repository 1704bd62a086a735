// Command meta-get prints one or more metadata attributes for a path
// (spec.md §6 "meta-get").
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
		treeName  string
		filePath  string
		recursive bool
		metaDir   string
	)

	cmd := &cobra.Command{
		Use:   "meta-get <path> [<key>...]",
		Short: "Print metadata attributes for a path",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			keys := args[1:]

			s, inTreePath, err := metacli.OpenForPath(metaDir, treeName, filePath, path)
			if err != nil {
				return err
			}
			defer s.Close()

			if recursive {
				return printRecursive(s, inTreePath, keys)
			}
			return printOne(s, inTreePath, keys)
		},
	}
	cmd.Flags().StringVar(&treeName, "tree", "", "metadata tree name (defaults to the path's leading component)")
	cmd.Flags().StringVar(&filePath, "file", "", "metadata image file to read directly, bypassing tree resolution")
	cmd.Flags().BoolVar(&recursive, "recursive", false, "also print attributes of every descendant")
	cmd.Flags().StringVar(&metaDir, "meta-dir", metacli.DefaultMetaDir(), "directory holding per-tree metadata images")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meta-get:", err)
		os.Exit(1)
	}
}

func printOne(s *metatree.Store, path string, keys []string) error {
	if len(keys) == 0 {
		keys = s.EnumerateKeys(path)
	}
	any := false
	for _, k := range keys {
		v, ok := s.Get(path, k)
		if !ok {
			continue
		}
		any = true
		printValue(path, k, v)
	}
	if !any {
		os.Exit(1)
	}
	return nil
}

func printRecursive(s *metatree.Store, path string, keys []string) error {
	var walk func(p string)
	walk = func(p string) {
		ks := keys
		if len(ks) == 0 {
			ks = s.EnumerateKeys(p)
		}
		for _, k := range ks {
			if v, ok := s.Get(p, k); ok {
				printValue(p, k, v)
			}
		}
		for _, child := range s.EnumerateChildren(p) {
			walk(joinMeta(p, child))
		}
	}
	walk(path)
	return nil
}

func printValue(path, key string, v metatree.Value) {
	if v.IsList {
		fmt.Printf("%s: %s = %v\n", path, key, v.List)
		return
	}
	fmt.Printf("%s: %s = %s\n", path, key, v.String())
}

func joinMeta(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}
