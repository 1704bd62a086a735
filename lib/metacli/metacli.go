// Package metacli holds the tree-resolution glue shared by the
// meta-get/meta-set/meta-ls/meta-get-tree command-line tools (spec.md
// §6 "Metadata CLI surface"), so each tool's main package stays a thin
// Cobra wrapper.
package metacli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gvfsd/ftpfs/metatree"
)

// DefaultMetaDir returns the directory the CLI tools use when no
// --meta-dir is given: $XDG_DATA_HOME/gvfs-metadata, falling back to
// ~/.local/share/gvfs-metadata.
func DefaultMetaDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "gvfs-metadata")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gvfs-metadata"
	}
	return filepath.Join(home, ".local", "share", "gvfs-metadata")
}

// OpenForPath opens the Store that owns path and returns the in-tree
// path to query within it. tree overrides tree resolution; file bypasses
// it entirely and opens the named image directly (with its paired
// journal, resolved the normal way within its own directory).
func OpenForPath(metaDir, tree, file, path string) (*metatree.Store, string, error) {
	if file != "" {
		dir := filepath.Dir(file)
		name := trimExt(filepath.Base(file))
		s, err := metatree.Open(dir, name)
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", file, err)
		}
		return s, path, nil
	}

	inTreePath := path
	if tree == "" {
		tree, inTreePath = metatree.ResolveTree(path)
	}
	s, err := metatree.Open(metaDir, tree)
	if err != nil {
		return nil, "", fmt.Errorf("open tree %q: %w", tree, err)
	}
	return s, inTreePath, nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
